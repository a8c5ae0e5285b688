// Package gateway wraps the hosted payment provider's transaction API.
// Provider statuses collapse into three buckets: success, terminal failure,
// and still-pending. Transport errors and timeouts are inconclusive and
// must never be reported as failure.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/freshmart/pkg/config"
	"go.uber.org/zap"
)

// ErrUnavailable marks an inconclusive gateway call (network error,
// timeout, malformed reply). State must be left unchanged so a later
// attempt can still settle the reference.
var ErrUnavailable = errors.New("payment gateway unavailable")

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

type InitRequest struct {
	AmountMinor int64
	Email       string
	Reference   string
	CallbackURL string
	Metadata    map[string]interface{}
}

type InitResult struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

type VerifyResult struct {
	Status      Status
	RawStatus   string
	AmountMinor int64
	Reference   string
	PaidAt      time.Time
}

// Client is what the settlement core consumes; the sweep job and tests
// substitute their own implementations.
type Client interface {
	Initialize(ctx context.Context, req InitRequest) (*InitResult, error)
	Verify(ctx context.Context, reference string) (*VerifyResult, error)
}

type Paystack struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  *zap.Logger
}

func NewPaystack(cfg *config.PaystackConfig, logger *zap.Logger) *Paystack {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Paystack{
		baseURL: cfg.BaseURL,
		secret:  cfg.SecretKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type initPayload struct {
	Amount      int64                  `json:"amount"`
	Email       string                 `json:"email"`
	Reference   string                 `json:"reference"`
	CallbackURL string                 `json:"callback_url,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type initResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

type verifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Reference string `json:"reference"`
		PaidAt    string `json:"paid_at"`
	} `json:"data"`
}

func (p *Paystack) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	body, err := json.Marshal(initPayload{
		Amount:      req.AmountMinor,
		Email:       req.Email,
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode initialize payload: %w", err)
	}

	var resp initResponse
	if err := p.call(ctx, http.MethodPost, "/transaction/initialize", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("transaction initialization rejected: %s", resp.Message)
	}

	return &InitResult{
		AuthorizationURL: resp.Data.AuthorizationURL,
		AccessCode:       resp.Data.AccessCode,
		Reference:        resp.Data.Reference,
	}, nil
}

func (p *Paystack) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	var resp verifyResponse
	path := "/transaction/verify/" + reference
	if err := p.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("verify %s: %s: %w", reference, resp.Message, ErrUnavailable)
	}

	result := &VerifyResult{
		Status:      NormalizeStatus(resp.Data.Status),
		RawStatus:   resp.Data.Status,
		AmountMinor: resp.Data.Amount,
		Reference:   resp.Data.Reference,
	}
	if resp.Data.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, resp.Data.PaidAt); err == nil {
			result.PaidAt = t
		}
	}
	return result, nil
}

func (p *Paystack) call(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		p.logger.Warn("Gateway call failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%s %s: %v: %w", method, path, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, ErrUnavailable)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s: %w", method, path, resp.StatusCode, bytes.TrimSpace(data), ErrUnavailable)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %v: %w", err, ErrUnavailable)
	}
	return nil
}

// NormalizeStatus maps raw provider statuses to the three buckets. Anything
// unrecognized is treated as still-pending, never failure.
func NormalizeStatus(raw string) Status {
	switch raw {
	case "success":
		return StatusSuccess
	case "failed", "abandoned", "reversed":
		return StatusFailed
	default:
		// ongoing, pending, processing, queued, bank-transfer in flight
		return StatusPending
	}
}

// ValidSignature checks a webhook body against the provider's
// HMAC-SHA512 signature header.
func ValidSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
