package device

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Default timeouts for the remote authorization check.
const (
	DefaultAuthorizeConnectTimeout = 30 * time.Second
	DefaultAuthorizeReadTimeout    = 30 * time.Second
)

// maxAuthorizeBody caps how much of the response is read; the only
// meaningful answer is the four bytes "true".
const maxAuthorizeBody = 64

// Authorizer decides whether an unseen device may be provisioned.
// Implementations always return a definite answer; failures mean false.
type Authorizer interface {
	CanCreate(ctx context.Context, uniqueID string) bool
}

// AuthorizerConfig configures HTTPAuthorizer.
type AuthorizerConfig struct {
	// BaseURL is prefixed to CanCreateURL.
	BaseURL string

	// CanCreateURL is the endpoint path; "{uniqueId}" is replaced by the
	// escaped device identifier. Empty disables the check (always false).
	CanCreateURL string

	// Header holds static request headers, one "Name: Value" per line.
	Header string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// HTTPAuthorizer asks a remote service whether a device may be created.
// The answer is yes only for HTTP 200 with a body of exactly "true".
type HTTPAuthorizer struct {
	cfg     AuthorizerConfig
	headers http.Header
	client  *http.Client
	logger  Logger
}

// NewHTTPAuthorizer creates an authorizer. Zero timeouts fall back to the
// defaults.
func NewHTTPAuthorizer(cfg AuthorizerConfig) *HTTPAuthorizer {
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.CanCreateURL = strings.TrimSpace(cfg.CanCreateURL)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultAuthorizeConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultAuthorizeReadTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}

	return &HTTPAuthorizer{
		cfg:     cfg,
		headers: parseHeaderLines(cfg.Header),
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the authorizer.
func (a *HTTPAuthorizer) SetLogger(logger Logger) {
	a.logger = logger
}

// CanCreate performs the remote check. Every failure is logged and reported
// as false.
func (a *HTTPAuthorizer) CanCreate(ctx context.Context, uniqueID string) bool {
	if a.cfg.CanCreateURL == "" {
		a.logger.Debug("unknown device authorization not configured", "unique_id", uniqueID)
		return false
	}

	target := a.cfg.BaseURL + expandUniqueID(a.cfg.CanCreateURL, uniqueID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		a.logger.Error("building authorization request failed", "url", target, "error", err)
		return false
	}
	for name, values := range a.headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Error("authorization request failed", "url", target, "error", err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAuthorizeBody))
	if err != nil {
		a.logger.Error("reading authorization response failed", "url", target, "error", err)
		return false
	}

	if resp.StatusCode != http.StatusOK {
		a.logger.Error("authorization request rejected",
			"url", target,
			"status", resp.StatusCode,
			"body", string(body),
		)
		return false
	}

	allowed := string(body) == "true"
	a.logger.Info("unknown device authorization", "unique_id", uniqueID, "allowed", allowed)
	return allowed
}

// parseHeaderLines splits "Name: Value" lines separated by LF or CRLF.
// Lines without a colon are skipped.
func parseHeaderLines(raw string) http.Header {
	h := make(http.Header)
	for line := range strings.Lines(raw) {
		name, value, ok := strings.Cut(strings.TrimRight(line, "\r\n"), ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h
}

// expandUniqueID substitutes uniqueID for every {uniqueId} in tmpl, path
// escaped before the query string and query escaped within it.
func expandUniqueID(tmpl, uniqueID string) string {
	const placeholder = "{uniqueId}"
	path, query, hasQuery := strings.Cut(tmpl, "?")
	path = strings.ReplaceAll(path, placeholder, url.PathEscape(uniqueID))
	if !hasQuery {
		return path
	}
	return path + "?" + strings.ReplaceAll(query, placeholder, url.QueryEscape(uniqueID))
}
