package daraja

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Client talks to the Safaricom Daraja API: OAuth token issuance and STK
// push initiation. Tokens are cached until shortly before expiry.
type Client struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortcode      string
	passkey        string
	callbackURL    string
	httpClient     *http.Client
	logger         *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	now func() time.Time
}

type ClientConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
}

func NewClient(cfg ClientConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		baseURL:        cfg.BaseURL,
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		shortcode:      cfg.Shortcode,
		passkey:        cfg.Passkey,
		callbackURL:    cfg.CallbackURL,
		httpClient:     httpClient,
		logger:         logger,
		now:            time.Now,
	}
}

// InitiateSTKPush sends the payment prompt to the payer's phone and returns
// the CheckoutRequestID the asynchronous callback will carry. Amount is in
// cents; Daraja takes whole shillings.
func (c *Client) InitiateSTKPush(ctx context.Context, phone string, amount int64, accountRef string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("daraja auth: %w", err)
	}

	pwd, timestamp := password(c.shortcode, c.passkey, c.now())
	payload := stkPushRequest{
		BusinessShortCode: c.shortcode,
		Password:          pwd,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            strconv.FormatInt((amount+99)/100, 10),
		PartyA:            phone,
		PartyB:            c.shortcode,
		PhoneNumber:       phone,
		CallBackURL:       c.callbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   "Sokokicks order " + accountRef,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("stk push request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stk push returned status %d", resp.StatusCode)
	}

	var pushResp stkPushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return "", fmt.Errorf("decode stk push response: %w", err)
	}

	if pushResp.ResponseCode != "0" {
		return "", fmt.Errorf("stk push rejected: %s %s", pushResp.ResponseCode, pushResp.ResponseDescription)
	}

	c.logger.Info("stk push accepted",
		"checkout_request_id", pushResp.CheckoutRequestID, "account_ref", accountRef)
	return pushResp.CheckoutRequestID, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	ttl, err := strconv.Atoi(tok.ExpiresIn)
	if err != nil || ttl <= 0 {
		ttl = 3600
	}

	c.token = tok.AccessToken
	// Refresh a minute early so an in-flight push never carries a token
	// that expires mid-request.
	c.tokenExpiry = c.now().Add(time.Duration(ttl-60) * time.Second)
	return c.token, nil
}
