package domain

import "time"

// ShoeVariant is a sellable product + color + size combination with its own
// stock count and price. Stock moves available -> reserved at checkout,
// reserved -> gone on payment confirmation, reserved -> available on
// failure, expiry or cancellation. Neither counter ever goes negative.
type ShoeVariant struct {
	SKU       string    `json:"sku"`
	ShoeName  string    `json:"shoe_name"`
	Brand     string    `json:"brand"`
	Color     string    `json:"color"`
	Size      string    `json:"size"`
	Price     int64     `json:"price"`
	Available int       `json:"available"`
	Reserved  int       `json:"reserved"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}
