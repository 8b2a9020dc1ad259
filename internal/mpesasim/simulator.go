package mpesasim

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sokokicks/checkout/internal/daraja"
)

// Simulator is a stand-in for the Daraja sandbox: it accepts OAuth and STK
// push requests and, after a delay, posts the asynchronous callback to the
// URL the push named. Phones ending in "99" are declined, so failure paths
// can be exercised locally without a real handset.
type Simulator struct {
	callbackDelay time.Duration
	signingSecret string
	httpClient    *http.Client
	logger        *slog.Logger
	seq           atomic.Int64
}

func New(callbackDelay time.Duration, signingSecret string, client *http.Client, logger *slog.Logger) *Simulator {
	if callbackDelay <= 0 {
		callbackDelay = 2 * time.Second
	}
	return &Simulator{
		callbackDelay: callbackDelay,
		signingSecret: signingSecret,
		httpClient:    client,
		logger:        logger,
	}
}

func (s *Simulator) HandleToken(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"access_token": uuid.New().String(),
		"expires_in":   "3599",
	})
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Amount            string `json:"Amount"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
}

func (s *Simulator) HandleSTKPush(w http.ResponseWriter, r *http.Request) {
	var req stkPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "invalid request"})
		return
	}
	if req.PhoneNumber == "" || req.CallBackURL == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "missing PhoneNumber or CallBackURL"})
		return
	}

	n := s.seq.Add(1)
	checkoutRequestID := fmt.Sprintf("ws_CO_%s_%d", time.Now().Format("02012006150405"), n)

	go s.fireCallback(req, checkoutRequestID)

	s.logger.Info("stk push accepted",
		"checkout_request_id", checkoutRequestID,
		"phone", req.PhoneNumber, "account_ref", req.AccountReference)

	s.writeJSON(w, http.StatusOK, map[string]string{
		"MerchantRequestID":   uuid.New().String(),
		"CheckoutRequestID":   checkoutRequestID,
		"ResponseCode":        "0",
		"ResponseDescription": "Success. Request accepted for processing",
		"CustomerMessage":     "Success. Request accepted for processing",
	})
}

func (s *Simulator) fireCallback(req stkPushRequest, checkoutRequestID string) {
	time.Sleep(s.callbackDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	callback := s.buildCallback(req, checkoutRequestID)
	body, err := json.Marshal(callback)
	if err != nil {
		s.logger.Error("failed to marshal callback", "error", err)
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.CallBackURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("failed to build callback request", "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.signingSecret != "" {
		mac := hmac.New(sha256.New, []byte(s.signingSecret))
		mac.Write(body)
		httpReq.Header.Set("X-Callback-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.logger.Error("failed to deliver callback", "error", err, "url", req.CallBackURL)
		return
	}
	_ = resp.Body.Close()

	s.logger.Info("callback delivered",
		"checkout_request_id", checkoutRequestID, "status", resp.StatusCode)
}

func (s *Simulator) buildCallback(req stkPushRequest, checkoutRequestID string) daraja.CallbackEnvelope {
	var envelope daraja.CallbackEnvelope
	cb := &envelope.Body.StkCallback
	cb.MerchantRequestID = uuid.New().String()
	cb.CheckoutRequestID = checkoutRequestID

	if strings.HasSuffix(req.PhoneNumber, "99") {
		cb.ResultCode = 1032
		cb.ResultDesc = "Request cancelled by user"
		return envelope
	}

	amount, _ := strconv.ParseFloat(req.Amount, 64)
	cb.ResultCode = 0
	cb.ResultDesc = "The service request is processed successfully."
	cb.CallbackMetadata = &daraja.CallbackMetadata{
		Item: []daraja.MetadataItem{
			{Name: "Amount", Value: amount},
			{Name: "MpesaReceiptNumber", Value: newReceipt()},
			{Name: "TransactionDate", Value: float64(mustAtoi(time.Now().Format("20060102150405")))},
			{Name: "PhoneNumber", Value: req.PhoneNumber},
		},
	}
	return envelope
}

const receiptAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func newReceipt() string {
	id := uuid.New()
	b := make([]byte, 10)
	for i := range b {
		b[i] = receiptAlphabet[int(id[i])%len(receiptAlphabet)]
	}
	return string(b)
}

func mustAtoi(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (s *Simulator) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
