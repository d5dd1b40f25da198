package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTransport delivers protocol messages over HTTP POST, one route
// per message kind. The client is reused across requests; per-request
// deadlines come from the caller's context.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport returns a transport with the given overall request
// timeout as a backstop behind context deadlines.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

// Request implements Transport.
func (t *HTTPTransport) Request(ctx context.Context, addr PeerAddress, msg *Message) (*Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("http://%s/v1/%s", addr.Addr, msg.Kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deliver %s to %s: %w", msg.Kind, addr.Addr, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnprocessableEntity:
		// Protocol replies, including error envelopes.
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("deliver %s to %s: status %d", msg.Kind, addr.Addr, resp.StatusCode)
	}

	var reply Message
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", addr.Addr, err)
	}
	return &reply, nil
}
