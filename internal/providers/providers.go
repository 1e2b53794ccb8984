// Package providers contains clients for the engine's external
// collaborators: the identity/trust service, the risk scoring signal, the
// custody ledger backend, and the reputation sink.
//
// Each collaborator has an HTTP client for production and a deterministic
// local implementation for development and tests, so no randomness ever
// leaks into the engine's decision logic.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func defaultClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// --- Identity / trust ---

// HTTPTrust queries the trust service over HTTP.
type HTTPTrust struct {
	base   string
	client *http.Client
}

// NewHTTPTrust creates a trust client for the given base URL.
func NewHTTPTrust(base string) *HTTPTrust {
	return &HTTPTrust{base: base, client: defaultClient()}
}

type trustResponse struct {
	Tier           int `json:"tier"`
	AccountAgeDays int `json:"account_age_days"`
}

func (t *HTTPTrust) fetch(ctx context.Context, userID string) (trustResponse, error) {
	var out trustResponse
	err := getJSON(ctx, t.client, fmt.Sprintf("%s/users/%s/trust", t.base, userID), &out)
	return out, err
}

func (t *HTTPTrust) TrustTier(ctx context.Context, userID string) (int, error) {
	resp, err := t.fetch(ctx, userID)
	return resp.Tier, err
}

func (t *HTTPTrust) AccountAgeDays(ctx context.Context, userID string) (int, error) {
	resp, err := t.fetch(ctx, userID)
	return resp.AccountAgeDays, err
}

// StaticTrust returns fixed attributes for every user. Development only.
type StaticTrust struct {
	Tier    int
	AgeDays int
}

func (t StaticTrust) TrustTier(context.Context, string) (int, error)      { return t.Tier, nil }
func (t StaticTrust) AccountAgeDays(context.Context, string) (int, error) { return t.AgeDays, nil }

// --- Risk scoring signal ---

// HTTPSignal queries the external risk scoring service.
type HTTPSignal struct {
	base   string
	client *http.Client
}

// NewHTTPSignal creates a signal client for the given base URL.
func NewHTTPSignal(base string) *HTTPSignal {
	return &HTTPSignal{base: base, client: defaultClient()}
}

func (s *HTTPSignal) RiskScore(ctx context.Context, userID string, value decimal.Decimal) (float64, bool, error) {
	payload := map[string]string{"user_id": userID, "value": value.String()}
	var out struct {
		Score     float64 `json:"score"`
		Available bool    `json:"available"`
	}
	if err := postJSON(ctx, s.client, s.base+"/score", payload, &out); err != nil {
		return 0, false, err
	}
	return out.Score, out.Available, nil
}

// --- Custody backend ---

// HTTPCustody talks to the external custody ledger.
type HTTPCustody struct {
	base   string
	client *http.Client
}

// NewHTTPCustody creates a custody client for the given base URL.
func NewHTTPCustody(base string) *HTTPCustody {
	return &HTTPCustody{base: base, client: defaultClient()}
}

func (c *HTTPCustody) OpenAddress(ctx context.Context, asset string) (string, error) {
	var out struct {
		Ref string `json:"ref"`
	}
	if err := postJSON(ctx, c.client, c.base+"/addresses", map[string]string{"asset": asset}, &out); err != nil {
		return "", err
	}
	return out.Ref, nil
}

func (c *HTTPCustody) ConfirmDeposit(ctx context.Context, ref string) (bool, error) {
	var out struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := getJSON(ctx, c.client, fmt.Sprintf("%s/deposits/%s", c.base, ref), &out); err != nil {
		return false, err
	}
	return out.Confirmed, nil
}

func (c *HTTPCustody) Transfer(ctx context.Context, ref, destination string, amount decimal.Decimal) (string, error) {
	payload := map[string]string{
		"ref":         ref,
		"destination": destination,
		"amount":      amount.String(),
	}
	var out struct {
		TxRef string `json:"tx_ref"`
	}
	if err := postJSON(ctx, c.client, c.base+"/transfers", payload, &out); err != nil {
		return "", err
	}
	return out.TxRef, nil
}

// LocalCustody simulates the custody ledger in-process: addresses are
// minted locally, deposits confirm immediately, transfers always succeed.
// Development only.
type LocalCustody struct{}

func (LocalCustody) OpenAddress(_ context.Context, asset string) (string, error) {
	return fmt.Sprintf("escrow-%s-%s", asset, uuid.New().String()[:8]), nil
}

func (LocalCustody) ConfirmDeposit(context.Context, string) (bool, error) {
	return true, nil
}

func (LocalCustody) Transfer(_ context.Context, _, _ string, _ decimal.Decimal) (string, error) {
	return "tx-" + uuid.New().String(), nil
}

// --- Reputation sink ---

// HTTPReputation delivers reputation events to the trust subsystem.
type HTTPReputation struct {
	base   string
	client *http.Client
}

// NewHTTPReputation creates a reputation client for the given base URL.
func NewHTTPReputation(base string) *HTTPReputation {
	return &HTTPReputation{base: base, client: defaultClient()}
}

func (r *HTTPReputation) Emit(ctx context.Context, userID string, delta int, reason, tradeID string) error {
	payload := map[string]any{
		"user_id":  userID,
		"delta":    delta,
		"reason":   reason,
		"trade_id": tradeID,
	}
	return postJSON(ctx, r.client, r.base+"/events", payload, nil)
}

// LogSink writes reputation events to the log instead of delivering them.
// Development only.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, userID string, delta int, reason, tradeID string) error {
	slog.Info("reputation event (log sink)",
		"user", userID, "delta", delta, "reason", reason, "trade_id", tradeID)
	return nil
}

// --- HTTP helpers ---

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doJSON(client, req, out)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(client, req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
