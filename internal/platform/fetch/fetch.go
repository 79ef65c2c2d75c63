// Package fetch downloads documents from remote URLs for import. Every URL,
// including each redirect target, passes urlguard before a connection is made.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/platform/urlguard"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxRedirects = 5
	defaultUserAgent    = "docvault-import/1"
)

// ErrTooLarge is returned when the remote body exceeds the configured limit.
var ErrTooLarge = errors.New("remote document exceeds size limit")

// StatusError reports a non-2xx response from the remote server.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote server returned status %d", e.StatusCode)
}

// Validator screens a URL. urlguard.Validate is the default.
type Validator func(raw string, allowedHosts ...string) urlguard.Result

// Options configures a Client.
type Options struct {
	Timeout      time.Duration
	MaxBytes     int64
	AllowedHosts []string
	MaxRedirects int
	UserAgent    string
	Logger       zerolog.Logger
	// Validate overrides urlguard.Validate. Tests use it to reach loopback
	// servers.
	Validate Validator
}

// Document is a fetched body plus what the server said about it.
type Document struct {
	Body        []byte
	ContentType string
	FileName    string
	FinalURL    string
}

// Client fetches remote documents. It performs no retries.
type Client struct {
	http     *resty.Client
	maxBytes int64
	allowed  []string
	validate Validator
	logger   zerolog.Logger
}

// New builds a Client from opts.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = defaultMaxRedirects
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Validate == nil {
		opts.Validate = urlguard.Validate
	}

	c := &Client{
		maxBytes: opts.MaxBytes,
		allowed:  opts.AllowedHosts,
		validate: opts.Validate,
		logger:   opts.Logger,
	}

	c.http = resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent).
		SetLogger(restyLogger{opts.Logger}).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			if len(via) >= opts.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", opts.MaxRedirects)
			}
			return c.check(req.URL.String(), "redirect")
		}))
	return c
}

// AllowedHosts returns the host allow-list the client enforces.
func (c *Client) AllowedHosts() []string {
	return c.allowed
}

// Check validates raw without fetching it.
func (c *Client) Check(raw string) error {
	return c.check(raw, "request")
}

func (c *Client) check(raw, stage string) error {
	res := c.validate(raw, c.allowed...)
	if res.OK() {
		return nil
	}
	v := res.Violation
	if v.Blocked() {
		c.logger.Warn().
			Str("type", "security_event").
			Str("kind", v.Kind.String()).
			Str("host", v.Host).
			Str("stage", stage).
			Msg("blocked outbound URL")
	} else {
		c.logger.Info().
			Str("kind", v.Kind.String()).
			Str("stage", stage).
			Msg("rejected outbound URL")
	}
	return v
}

// Get downloads raw. A rejected URL yields a *urlguard.Violation, an
// oversized body ErrTooLarge, a non-2xx response a *StatusError.
func (c *Client) Get(ctx context.Context, raw string) (*Document, error) {
	if err := c.check(raw, "request"); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(raw)
	if err != nil {
		var v *urlguard.Violation
		if errors.As(err, &v) {
			return nil, v
		}
		return nil, fmt.Errorf("fetch document: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode()}
	}
	if c.maxBytes > 0 && resp.RawResponse.ContentLength > c.maxBytes {
		return nil, ErrTooLarge
	}

	r := io.Reader(body)
	if c.maxBytes > 0 {
		r = io.LimitReader(body, c.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read document body: %w", err)
	}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return nil, ErrTooLarge
	}

	final := resp.RawResponse.Request.URL
	doc := &Document{
		Body:        data,
		ContentType: resp.Header().Get("Content-Type"),
		FileName:    fileName(resp.Header().Get("Content-Disposition"), final.Path),
		FinalURL:    final.String(),
	}
	c.logger.Debug().
		Str("host", final.Hostname()).
		Int("bytes", len(data)).
		Msg("fetched remote document")
	return doc, nil
}

// fileName prefers the Content-Disposition filename and falls back to the
// last URL path segment.
func fileName(disposition, urlPath string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := path.Base(strings.ReplaceAll(params["filename"], `\`, "/")); name != "." && name != "/" && name != "" {
				return name
			}
		}
	}
	name := path.Base(urlPath)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// restyLogger routes resty's internal messages into zerolog.
type restyLogger struct {
	l zerolog.Logger
}

func (r restyLogger) Errorf(format string, v ...interface{}) { r.l.Error().Msgf(format, v...) }
func (r restyLogger) Warnf(format string, v ...interface{})  { r.l.Warn().Msgf(format, v...) }
func (r restyLogger) Debugf(format string, v ...interface{}) { r.l.Debug().Msgf(format, v...) }
