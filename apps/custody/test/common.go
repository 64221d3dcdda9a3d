//go:build integration

// Package test holds black-box tests that run against a live custody server:
//
//	CUSTODY_BASE_URL=http://localhost:8080 go test -tags integration ./apps/custody/test/...
package test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"
)

const (
	defaultBaseURL = "http://localhost:8080"

	// Any well-formed address works as a withdrawal destination for the validation cases
	TestDestinationAddress = "0x0B8fA6F76eB75ae3a4ca28eb3020DFC4503F2136"

	// A syntactically valid hash that no deposit uses
	UnknownTxHash = "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// BaseURL reads CUSTODY_BASE_URL, defaulting to a local server
func BaseURL() string {
	if url := os.Getenv("CUSTODY_BASE_URL"); url != "" {
		return url
	}
	return defaultBaseURL
}

type CreateAccountRequest struct {
	UserRef string `json:"user_ref"`
}

type AccountResponse struct {
	AccountID       int64     `json:"account_id"`
	UserRef         string    `json:"user_ref"`
	Address         string    `json:"address"`
	DerivationIndex uint32    `json:"derivation_index"`
	Balance         string    `json:"balance"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

type VerifyDepositRequest struct {
	AccountID int64  `json:"account_id"`
	TxHash    string `json:"tx_hash"`
}

type WithdrawalRequest struct {
	RequestID string `json:"request_id,omitempty"`
	AccountID int64  `json:"account_id"`
	ToAddress string `json:"to_address"`
	Amount    string `json:"amount"`
}

type HealthResponse struct {
	Status     string `json:"status"`
	Reconciler string `json:"reconciler"`
	Time       string `json:"time"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()

	reqBody, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	resp, err := httpClient.Post(BaseURL()+path, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		t.Fatalf("Failed to make POST request to %s: %v", path, err)
	}
	return resp
}

func get(t *testing.T, path string) *http.Response {
	t.Helper()

	resp, err := httpClient.Get(BaseURL() + path)
	if err != nil {
		t.Fatalf("Failed to make GET request to %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func expectError(t *testing.T, resp *http.Response, wantStatus int, wantCode string) {
	t.Helper()
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Errorf("Expected status %d, got %d", wantStatus, resp.StatusCode)
	}

	var errorResp ErrorResponse
	decodeBody(t, resp, &errorResp)
	if errorResp.Error != wantCode {
		t.Errorf("Expected error '%s', got '%s' (%s)", wantCode, errorResp.Error, errorResp.Message)
	}
}
