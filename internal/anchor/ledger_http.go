package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrTxFailed is returned when the ledger reports a transaction as reverted or dropped.
var ErrTxFailed = errors.New("transaction failed")

// HTTPLedger talks to an anchoring gateway that holds the signing key:
//
//	GET  {base}/accounts/nonce  -> {"nonce": n}
//	POST {base}/anchors         {"nonce", "didHash", "controller"} -> {"txRef"}
//	GET  {base}/anchors/{txRef} -> {"status": "pending"|"confirmed"|"failed"}
type HTTPLedger struct {
	baseURL string
	token   string
	client  *http.Client
	// PollInterval is the first delay between receipt polls; later delays grow exponentially.
	PollInterval time.Duration
}

// NewHTTPLedger returns a ledger client for baseURL. token, if set, is sent as a bearer token.
func NewHTTPLedger(baseURL, token string) *HTTPLedger {
	return &HTTPLedger{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		client:       &http.Client{Timeout: 10 * time.Second},
		PollInterval: 500 * time.Millisecond,
	}
}

type nonceResponse struct {
	Nonce uint64 `json:"nonce"`
}

type submitRequest struct {
	Nonce      uint64 `json:"nonce"`
	DIDHash    string `json:"didHash"`
	Controller string `json:"controller"`
}

type submitResponse struct {
	TxRef string `json:"txRef"`
}

type receiptResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (l *HTTPLedger) PendingNonce(ctx context.Context) (uint64, error) {
	var out nonceResponse
	if err := l.do(ctx, http.MethodGet, "/accounts/nonce", nil, &out); err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

// SubmitAnchor makes exactly one request; the caller decides what a failure means for the nonce.
func (l *HTTPLedger) SubmitAnchor(ctx context.Context, nonce uint64, didHash, controller string) (string, error) {
	var out submitResponse
	err := l.do(ctx, http.MethodPost, "/anchors", submitRequest{Nonce: nonce, DIDHash: didHash, Controller: controller}, &out)
	if err != nil {
		return "", err
	}
	if out.TxRef == "" {
		return "", errors.New("ledger: empty transaction reference")
	}
	return out.TxRef, nil
}

// WaitConfirmation polls the receipt with exponential backoff until it is final or ctx ends.
func (l *HTTPLedger) WaitConfirmation(ctx context.Context, txRef string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.PollInterval
	b.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		var out receiptResponse
		if err := l.do(ctx, http.MethodGet, "/anchors/"+url.PathEscape(txRef), nil, &out); err != nil {
			return struct{}{}, err
		}
		switch out.Status {
		case "confirmed":
			return struct{}{}, nil
		case "failed":
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrTxFailed, out.Error))
		default:
			return struct{}{}, errors.New("ledger: transaction pending")
		}
	}, backoff.WithBackOff(b))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (l *HTTPLedger) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
