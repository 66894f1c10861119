// Package notary submits document hashes to blockchain anchoring services
// and follows them until they are confirmed on chain.
package notary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"certification-pipeline/internal/models"
)

// ErrNotFound is returned by endpoints that do not (yet) know the object asked for.
var ErrNotFound = errors.New("not found at notary")

// ErrRejected marks answers that will not improve by asking again.
var ErrRejected = errors.New("rejected by notary")

// Confirmation is the chain position of a confirmed anchor.
type Confirmation struct {
	TxRef       string
	BlockHeight int64
	BlockTime   time.Time
}

// Notary is one anchoring endpoint for one network.
type Notary interface {
	Network() models.Network
	Endpoint() string
	// Submit hands a hex SHA-256 hash to the endpoint and returns the
	// initial, unconfirmed proof.
	Submit(ctx context.Context, hash string) ([]byte, error)
	// Upgrade asks for a newer proof. An unchanged result means the anchor
	// is still pending.
	Upgrade(ctx context.Context, proof []byte) ([]byte, error)
	// TxRef extracts the on-chain reference from a proof once it has one.
	TxRef(proof []byte) (string, bool)
	FetchConfirmation(ctx context.Context, txRef string) (Confirmation, error)
}

// httpDoer is shared by the concrete notaries.
type httpDoer struct {
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPDoer(client *http.Client, limiter *rate.Limiter) httpDoer {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return httpDoer{client: client, limiter: limiter}
}

// do issues one request and returns the body of a 2xx answer.
func (h httpDoer) do(ctx context.Context, method, url, contentType string, body []byte) ([]byte, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", url, ErrNotFound)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s: http %d: %w", url, resp.StatusCode, ErrRejected)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%s: http %d", url, resp.StatusCode)
	}
	return out, nil
}

func (h httpDoer) doJSON(ctx context.Context, method, url string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	raw, err := h.do(ctx, method, url, "application/json", body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
