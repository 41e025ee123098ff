// Package client is a minimal harness-side client for the test server. It
// sets the protocol headers on every request and decodes error envelopes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/testserver/internal/dispatch"
)

// ErrorBody is the error shape inside an envelope.
type ErrorBody struct {
	Domain  string `json:"domain"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ResponseError is returned for any non-200 reply.
type ResponseError struct {
	// Envelope is nil when the body was not a JSON envelope.
	Envelope   *ErrorBody
	Body       string
	StatusCode int
}

func (e *ResponseError) Error() string {
	if e.Envelope != nil {
		return fmt.Sprintf("http %d: %s %d: %s", e.StatusCode, e.Envelope.Domain, e.Envelope.Code, e.Envelope.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client talks to one test server.
type Client struct {
	http     *http.Client
	BaseURL  string
	ClientID string
	Version  int
}

// New returns a version 1 client with a random client id.
func New(baseURL string) *Client {
	return &Client{
		http:     &http.Client{Timeout: 5 * time.Second},
		BaseURL:  strings.TrimRight(baseURL, "/"),
		ClientID: uuid.NewString(),
		Version:  1,
	}
}

// Post sends body to endpoint and decodes the reply into out, if out is not
// nil.
func (c *Client) Post(ctx context.Context, endpoint string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// Get requests endpoint and decodes the reply into out.
func (c *Client) Get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set(dispatch.HeaderVersion, strconv.Itoa(c.Version))
	req.Header.Set(dispatch.HeaderClientID, c.ClientID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return newResponseError(resp.StatusCode, buf.Bytes())
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(buf.Bytes(), out)
}

func newResponseError(status int, body []byte) *ResponseError {
	e := &ResponseError{StatusCode: status, Body: string(body)}
	var env struct {
		Error *ErrorBody `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		e.Envelope = env.Error
	}
	return e
}
