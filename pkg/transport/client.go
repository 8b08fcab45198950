package transport

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

// maxErrorBody is how much of a failed response is kept for the error message.
const maxErrorBody = 512

// Client is a holder of an http.Client and a websocket.Dialer sharing the same network settings.  The underlying
// values are exposed so callers needing the real thing can still utilize the TransportPool.
type Client struct {
	Client    *http.Client
	WebSocket *websocket.Dialer
}

// NewClient wraps the provided clients.  A nil dialer is replaced by websocket.DefaultDialer.
func NewClient(client *http.Client, dialer *websocket.Dialer) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		Client:    client,
		WebSocket: dialer,
	}
}

// StatusError is returned when the server responds with a non 2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (se *StatusError) Error() string {
	if se.Body == "" {
		return fmt.Sprintf("received bad status code %d", se.StatusCode)
	}
	return fmt.Sprintf("received bad status code %d: %s", se.StatusCode, se.Body)
}

// GetJSON issues a GET request to url and decodes the JSON response into out.  A nil out discards the body after
// checking that it is valid JSON.
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("unable to create http.Request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "nodetracker")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("error GETting %s: %w", url, err)
	}
	defer consumeAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyStart, _ := ioutil.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       string(bodyStart),
		}
	}

	if out == nil {
		var discard jsoniter.RawMessage
		out = &discard
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid JSON from %s: %w", url, err)
	}
	return nil
}

func consumeAndClose(r io.ReadCloser) {
	_, _ = io.Copy(ioutil.Discard, r)
	_ = r.Close()
}
