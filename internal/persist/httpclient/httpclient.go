// Package httpclient implements the persistence API against a wolfpack
// HTTP server.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
)

const maxBody = 4 << 20

// Client implements persist.API and persist.DeviceRegistry over HTTP.
type Client struct {
	base   *url.URL
	http   *http.Client
	header http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(cl *Client) {
		cl.header.Add(key, value)
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	c := &Client{base: u, http: http.DefaultClient, header: http.Header{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateMutation implements persist.API.
func (c *Client) CreateMutation(ctx context.Context, req persist.Request) (entity.Entity, error) {
	var e entity.Entity
	if err := c.do(ctx, http.MethodPost, "/v1/mutations", nil, req, &e); err != nil {
		return entity.Entity{}, err
	}
	return e, nil
}

// FetchCollection implements persist.API.
func (c *Client) FetchCollection(ctx context.Context, kind entity.Kind, filter entity.Filter, cursor string, limit int) (persist.Page, error) {
	q := url.Values{}
	if k := filter.Key(); k != "" {
		q.Set("filter", k)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(limit))
	var page persist.Page
	if err := c.do(ctx, http.MethodGet, "/v1/collections/"+url.PathEscape(string(kind)), q, nil, &page); err != nil {
		return persist.Page{}, err
	}
	return page, nil
}

// RegisterDevice implements persist.DeviceRegistry.
func (c *Client) RegisterDevice(ctx context.Context, d persist.Device) error {
	body := map[string]string{"user_id": d.UserID, "token": d.Token, "platform": d.Platform}
	return c.do(ctx, http.MethodPost, "/v1/devices", nil, body, nil)
}

// UnregisterDevice implements persist.DeviceRegistry.
func (c *Client) UnregisterDevice(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/v1/devices/"+url.PathEscape(token), nil, nil, nil)
}

// Changes implements persist.ChangeLog.
func (c *Client) Changes(ctx context.Context, after int64, limit int) ([]persist.Change, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("limit", strconv.Itoa(limit))
	var out []persist.Change
	if err := c.do(ctx, http.MethodGet, "/v1/changes", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    persist.ErrorCode `json:"code"`
		Message string            `json:"message"`
	} `json:"error"`
}

// do sends one request and decodes the data envelope into out. Every
// failure is a *persist.Error.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return persist.Wrap(persist.CodeValidation, "encode request", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return persist.Wrap(persist.CodeInternal, "build request", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(method+" "+path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return transportError("read response", err)
	}

	if resp.StatusCode >= 300 {
		return statusError(resp, data)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return persist.Wrap(persist.CodeInternal, "decode response", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return persist.Wrap(persist.CodeInternal, "decode response data", err)
	}
	return nil
}

func statusError(resp *http.Response, data []byte) error {
	pe := &persist.Error{
		Code:    persist.CodeForStatus(resp.StatusCode),
		Message: fmt.Sprintf("http %d", resp.StatusCode),
	}
	var env envelope
	if json.Unmarshal(data, &env) == nil && env.Error != nil {
		if env.Error.Code != "" {
			pe.Code = env.Error.Code
		}
		pe.Message = env.Error.Message
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			pe.RetryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(ra); err == nil {
			pe.RetryAfter = max(time.Until(at), 0)
		}
	}
	return pe
}

func transportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return persist.Wrap(persist.CodeTimeout, op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return persist.Wrap(persist.CodeTimeout, op, err)
	}
	return persist.Wrap(persist.CodeUnavailable, op, err)
}
