package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/freshmart/pkg/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) (*Paystack, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewPaystack(&config.PaystackConfig{
		BaseURL:   srv.URL,
		SecretKey: "sk_test_secret",
		Timeout:   timeout,
	}, zap.NewNop())
	return client, srv
}

func TestNormalizeStatus(t *testing.T) {
	require.Equal(t, StatusSuccess, NormalizeStatus("success"))
	require.Equal(t, StatusFailed, NormalizeStatus("failed"))
	require.Equal(t, StatusFailed, NormalizeStatus("abandoned"))
	require.Equal(t, StatusFailed, NormalizeStatus("reversed"))

	// In-flight and unknown statuses must never collapse into failure.
	for _, raw := range []string{"pending", "ongoing", "processing", "queued", "send_otp", ""} {
		require.Equal(t, StatusPending, NormalizeStatus(raw), "status %q", raw)
	}
}

func TestVerifySuccess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transaction/verify/ref-123", r.URL.Path)
		require.Equal(t, "Bearer sk_test_secret", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"status":true,"message":"Verification successful",
			"data":{"status":"success","amount":300000,"reference":"ref-123","paid_at":"2026-08-30T10:15:00Z"}}`)
	}, time.Second)

	result, err := client.Verify(context.Background(), "ref-123")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)
	require.Equal(t, int64(300000), result.AmountMinor)
	require.Equal(t, "ref-123", result.Reference)
	require.Equal(t, 2026, result.PaidAt.Year())
}

func TestVerifyAbandonedIsTerminalFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":true,"data":{"status":"abandoned","amount":120000,"reference":"ref-9"}}`)
	}, time.Second)

	result, err := client.Verify(context.Background(), "ref-9")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, "abandoned", result.RawStatus)
}

func TestVerifyTimeoutIsUnavailable(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}, 50*time.Millisecond)

	_, err := client.Verify(context.Background(), "ref-slow")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnavailable))
}

func TestVerifyServerErrorIsUnavailable(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, time.Second)

	_, err := client.Verify(context.Background(), "ref-500")
	require.True(t, errors.Is(err, ErrUnavailable))
}

func TestInitialize(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/transaction/initialize", r.URL.Path)
		fmt.Fprint(w, `{"status":true,"data":{"authorization_url":"https://checkout.test/abc",
			"access_code":"abc","reference":"ref-init"}}`)
	}, time.Second)

	result, err := client.Initialize(context.Background(), InitRequest{
		AmountMinor: 550000,
		Email:       "shopper@example.com",
		Reference:   "ref-init",
	})
	require.NoError(t, err)
	require.Equal(t, "https://checkout.test/abc", result.AuthorizationURL)
	require.Equal(t, "ref-init", result.Reference)
}

func TestValidSignature(t *testing.T) {
	body := []byte(`{"event":"charge.success"}`)
	mac := hmac.New(sha512.New, []byte("whsec"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	require.True(t, ValidSignature("whsec", body, sig))
	require.False(t, ValidSignature("other", body, sig))
	require.False(t, ValidSignature("whsec", []byte("tampered"), sig))
}
