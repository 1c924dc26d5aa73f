package ledgerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds each ledger service request.
const DefaultTimeout = 30 * time.Second

// HTTPOption configures the HTTP client.
type HTTPOption func(*HTTP)

// WithHTTPClient sets a custom http.Client (useful for testing).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithOnUnauthenticated registers the process-wide session-invalidated hook.
// It fires once per call that the backend rejects with an invalid or expired
// credential, before the call returns ErrUnauthenticated.
func WithOnUnauthenticated(fn func()) HTTPOption {
	return func(h *HTTP) { h.onUnauthenticated = fn }
}

// HTTP is the production Client implementation.
type HTTP struct {
	baseURL           string
	client            *http.Client
	tokens            TokenSource
	onUnauthenticated func()
}

var _ Client = (*HTTP)(nil)

// NewHTTP creates an HTTP ledger client rooted at baseURL. Bearer
// credentials are read from tokens on every authenticated call.
func NewHTTP(baseURL string, tokens TokenSource, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
		tokens:  tokens,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// apiError is the backend's error envelope.
type apiError struct {
	Message string `json:"message"`
}

func (h *HTTP) Nonce(ctx context.Context, address string) (*NonceChallenge, error) {
	var out NonceChallenge
	q := url.Values{"address": {strings.ToLower(address)}}
	if err := h.do(ctx, http.MethodGet, "/auth/nonce?"+q.Encode(), nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HTTP) Verify(ctx context.Context, message, signature string) (string, error) {
	in := map[string]string{"message": message, "signature": signature}
	var out struct {
		Token string `json:"token"`
	}
	if err := h.do(ctx, http.MethodPost, "/auth/verify", in, &out, false); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", ErrVerifyFailed
	}
	return out.Token, nil
}

func (h *HTTP) Balance(ctx context.Context) (*Balance, error) {
	var out Balance
	if err := h.do(ctx, http.MethodGet, "/wallet/balance", nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HTTP) Withdraw(ctx context.Context, amount string) (*Withdrawal, error) {
	in := map[string]string{"amount": amount}
	var out Withdrawal
	if err := h.do(ctx, http.MethodPost, "/wallet/withdraw", in, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HTTP) Withdrawals(ctx context.Context) ([]*Withdrawal, error) {
	var out []*Withdrawal
	if err := h.do(ctx, http.MethodGet, "/wallet/withdrawals", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTP) NotifyDeposit(ctx context.Context, amount, txHash string) (*Balance, error) {
	in := map[string]string{"amount": amount, "txHash": txHash}
	var out Balance
	if err := h.do(ctx, http.MethodPost, "/wallet/deposit/notify", in, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HTTP) DevGrant(ctx context.Context, amount string) (*Balance, error) {
	in := map[string]string{"amount": amount}
	var out Balance
	if err := h.do(ctx, http.MethodPost, "/wallet/dev/grant", in, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HTTP) do(ctx context.Context, method, path string, in, out interface{}, authed bool) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("ledgerapi: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("ledgerapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		tok := h.tokens.Token()
		if tok == "" {
			return ErrUnauthenticated
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledgerapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if h.onUnauthenticated != nil {
			h.onUnauthenticated()
		}
		return ErrUnauthenticated
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return fmt.Errorf("ledgerapi: %s %s: %s", method, path, apiErr.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ledgerapi: decode response: %w", err)
	}
	return nil
}
