package domain

// County is a Kenyan county the store delivers to.
type County struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// DeliveryArea is a named area within a county with its own delivery fee.
type DeliveryArea struct {
	ID           int64  `json:"id"`
	CountyCode   string `json:"county_code"`
	Name         string `json:"name"`
	Fee          int64  `json:"fee"`
	DeliveryDays int    `json:"delivery_days"`
	Active       bool   `json:"active"`
}
