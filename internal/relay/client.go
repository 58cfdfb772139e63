package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"pkt.systems/imagine/schema"
)

// SessionHeader carries the session id on stream responses.
const SessionHeader = "X-Imagine-Session"

// Paths served by the relay server.
const (
	ImaginePath = "/api/imagine"
	TestPath    = "/api/imagine/test"
	HealthPath  = "/health"
	WSPath      = "/api/imagine/ws"
)

// SessionStreamPath returns the replay path for a session.
func SessionStreamPath(id schema.SessionID) string {
	return ImaginePath + "/sessions/" + url.PathEscape(string(id)) + "/stream"
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Source yields agent messages until io.EOF.
type Source interface {
	Next(ctx context.Context) (schema.AgentMessage, error)
	Close() error
}

// Client talks to a relay server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL using http.DefaultClient.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: http.DefaultClient}
}

// ClientStream is an open event stream.
type ClientStream struct {
	SessionID schema.SessionID
	body      io.ReadCloser
	dec       *Decoder
}

// Next returns the next message or io.EOF after the sentinel.
func (s *ClientStream) Next(ctx context.Context) (schema.AgentMessage, error) {
	if err := ctx.Err(); err != nil {
		return schema.AgentMessage{}, err
	}
	return s.dec.Next()
}

// LastID returns the last event id seen on a replay stream.
func (s *ClientStream) LastID() uint64 {
	return s.dec.LastID()
}

// Close releases the response body.
func (s *ClientStream) Close() error {
	return s.body.Close()
}

// Stream posts req and returns the live message stream.
func (c *Client) Stream(ctx context.Context, req schema.ImagineRequest) (*ClientStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+ImaginePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	return c.open(httpReq)
}

// Replay follows a session's stream from the event after after.
func (c *Client) Replay(ctx context.Context, id schema.SessionID, after uint64) (*ClientStream, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+SessionStreamPath(id), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	if after > 0 {
		httpReq.Header.Set("Last-Event-ID", strconv.FormatUint(after, 10))
	}
	return c.open(httpReq)
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return readHTTPError(resp)
	}
	return nil
}

func (c *Client) open(req *http.Request) (*ClientStream, error) {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer func() { _ = resp.Body.Close() }()
		return nil, readHTTPError(resp)
	}
	return &ClientStream{
		SessionID: schema.SessionID(resp.Header.Get(SessionHeader)),
		body:      resp.Body,
		dec:       NewDecoder(resp.Body),
	}, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func readHTTPError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var payload struct {
		Error string `json:"error"`
	}
	message := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		message = payload.Error
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: message}
}
