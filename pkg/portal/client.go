package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/askuuz/askuuz/pkg/log"
	"github.com/askuuz/askuuz/pkg/types"
)

const maxResponseBytes = 10 << 20

// client performs the JSON requests shared by all of the adapters. It doesn't
// hold tokens and never retries, that's left to the coordinator.
type client struct {
	service types.Service
	baseURL string
	http    *http.Client
}

type request struct {
	method string
	path   string
	query  url.Values
	header map[string]string
	body   any
}

func (c *client) newRequest(ctx context.Context, r request) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s url (%s): %w", c.service, c.baseURL, err)
	}
	u.Path, err = url.JoinPath(u.Path, r.path)
	if err != nil {
		return nil, err
	}
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}
	return req, nil
}

// do sends the request and decodes the JSON response into dest, which may be
// nil. 401 and 403 become an AuthError and every other failure, including an
// undecodable body, becomes an APIError.
func (c *client) do(ctx context.Context, r request, dest any) error {
	req, err := c.newRequest(ctx, r)
	if err != nil {
		return &APIError{Service: c.service, Message: "failed to create request", Err: err}
	}

	start := time.Now()
	log.Ctx(ctx).DebugContext(
		ctx,
		"portal request",
		slog.String("service", string(c.service)),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"portal request failed",
			slog.String("service", string(c.service)),
			slog.String("path", req.URL.Path),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", err),
		)
		return &APIError{Service: c.service, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &APIError{Service: c.service, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"portal response",
		slog.String("service", string(c.service)),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Service: c.service, StatusCode: resp.StatusCode, Message: prefix(string(body), 512)}
	case resp.StatusCode >= 400:
		return &APIError{Service: c.service, StatusCode: resp.StatusCode, Message: prefix(string(body), 512)}
	}

	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		log.Ctx(ctx).ErrorContext(
			ctx,
			"failed to decode portal response",
			slog.String("service", string(c.service)),
			slog.String("path", req.URL.Path),
			slog.String("body", prefix(string(body), 512)),
			slog.Any("error", err),
		)
		return &APIError{Service: c.service, StatusCode: resp.StatusCode, Message: "failed to decode response", Err: err}
	}
	return nil
}
