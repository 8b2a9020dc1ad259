package daraja

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Wire shapes for the Safaricom Daraja STK push API (Lipa na M-Pesa Online).

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// CallbackEnvelope is the asynchronous result Daraja posts back after the
// payer responds to the prompt.
type CallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

// AmountCents extracts the Amount metadata item, converting Daraja's
// whole-shilling float to cents.
func (c *StkCallback) AmountCents() int64 {
	if c.CallbackMetadata == nil {
		return 0
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == "Amount" {
			if v, ok := item.Value.(float64); ok {
				return int64(v*100 + 0.5)
			}
		}
	}
	return 0
}

// Receipt extracts the MpesaReceiptNumber metadata item.
func (c *StkCallback) Receipt() string {
	return c.metadataString("MpesaReceiptNumber")
}

// TransactionDate extracts the raw TransactionDate metadata item. Daraja
// sends it as a yyyyMMddHHmmss number; it is kept as the raw string.
func (c *StkCallback) TransactionDate() string {
	return c.metadataString("TransactionDate")
}

func (c *StkCallback) metadataString(name string) string {
	if c.CallbackMetadata == nil {
		return ""
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name != name {
			continue
		}
		switch v := item.Value.(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

// password derives the API password: base64(shortcode + passkey + timestamp).
func password(shortcode, passkey string, ts time.Time) (string, string) {
	timestamp := ts.Format("20060102150405")
	raw := shortcode + passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), timestamp
}
