package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/platform/pathguard"
	"github.com/ehr/docvault/pkg/storageref"
)

// DefaultUploadsDir is the base directory used when none is configured.
const DefaultUploadsDir = "uploads"

// maxJSONPathBody caps how much of a JSON body is buffered to find the
// path parameter.
const maxJSONPathBody = 64 << 10

// Client-facing messages. Violation details stay in the logs.
const (
	msgInvalidPath  = "Invalid file path"
	msgAccessDenied = "Access denied"
)

// ValidatePathConfig configures ValidatePath.
type ValidatePathConfig struct {
	// Param is the name looked up in the JSON or form body and the query string.
	Param string
	// PathParam is the route parameter name; defaults to Param. Use "*" for
	// wildcard routes such as /files/*.
	PathParam string
	// BaseDir is the directory every path must stay inside. Defaults to
	// DefaultUploadsDir.
	BaseDir string
	Logger  zerolog.Logger
}

// ValidatedPath is what ValidatePath hands to the next handler.
type ValidatedPath struct {
	Param string
	// Raw is the value exactly as received.
	Raw string
	// Reference is Raw percent-decoded with any legacy uploads/ prefix
	// removed. Handlers use it as the storage reference.
	Reference string
	// AbsolutePath is Reference resolved inside BaseDir.
	AbsolutePath string
	BaseDir      string
}

type validatedPathKey struct{}

// WithValidatedPath returns a copy of ctx carrying vp.
func WithValidatedPath(ctx context.Context, vp ValidatedPath) context.Context {
	return context.WithValue(ctx, validatedPathKey{}, vp)
}

// ValidatedPathFrom returns the ValidatedPath attached by ValidatePath.
func ValidatedPathFrom(ctx context.Context) (ValidatedPath, bool) {
	vp, ok := ctx.Value(validatedPathKey{}).(ValidatedPath)
	return vp, ok
}

// ValidatePath guards a route that takes a file path from the client. The
// value is taken from the first of route parameter, request body and query
// string; it is decoded, stripped of the legacy uploads/ prefix and checked
// with pathguard against cfg.BaseDir. Rejected requests never reach next.
// Accepted requests carry a ValidatedPath in their context.
func ValidatePath(cfg ValidatePathConfig) echo.MiddlewareFunc {
	if cfg.PathParam == "" {
		cfg.PathParam = cfg.Param
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = DefaultUploadsDir
	}
	logger := cfg.Logger

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid, _ := c.Get("request_id").(string)

			raw, found, isString := extractPathValue(c, cfg)
			if !found || raw == "" {
				return ErrorJSON(c, http.StatusBadRequest, CodeInvalid, "File path is required")
			}
			if !isString {
				return ErrorJSON(c, http.StatusBadRequest, CodeInvalid, msgInvalidPath)
			}

			decoded, err := url.PathUnescape(raw)
			if err != nil {
				logger.Warn().
					Str("request_id", rid).
					Str("param", cfg.Param).
					Msg("file path is not valid percent-encoding, using raw value")
				decoded = raw
			}

			reference, _ := storageref.StripLegacyPrefix(decoded)

			res := pathguard.Validate(reference, cfg.BaseDir)
			if !res.OK() {
				v := res.Violation
				if v.Blocked() {
					logger.Warn().
						Str("type", "security_event").
						Str("request_id", rid).
						Str("kind", v.Kind.String()).
						Str("param", cfg.Param).
						Str("method", c.Request().Method).
						Str("path", c.Request().URL.Path).
						Str("remote_ip", c.RealIP()).
						Msg("blocked file path")
					return ErrorJSON(c, http.StatusForbidden, CodeForbidden, msgAccessDenied)
				}
				logger.Info().
					Str("request_id", rid).
					Str("kind", v.Kind.String()).
					Str("param", cfg.Param).
					Msg("rejected file path")
				return ErrorJSON(c, http.StatusBadRequest, CodeInvalid, msgInvalidPath)
			}

			vp := ValidatedPath{
				Param:        cfg.Param,
				Raw:          raw,
				Reference:    reference,
				AbsolutePath: res.Path,
				BaseDir:      cfg.BaseDir,
			}
			ctx := WithValidatedPath(c.Request().Context(), vp)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// extractPathValue reports the raw value, whether the parameter was present
// at all, and whether it was a string. Only JSON bodies can carry a
// non-string value.
func extractPathValue(c echo.Context, cfg ValidatePathConfig) (string, bool, bool) {
	if v := c.Param(cfg.PathParam); v != "" {
		return v, true, true
	}

	if v, found, isString := bodyValue(c, cfg.Param); found {
		return v, true, isString
	}

	if q := c.QueryParams(); q.Has(cfg.Param) {
		return q.Get(cfg.Param), true, true
	}
	return "", false, true
}

func bodyValue(c echo.Context, name string) (string, bool, bool) {
	req := c.Request()
	if req.Body == nil || req.Body == http.NoBody {
		return "", false, true
	}
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return "", false, true
	}

	ctype := req.Header.Get(echo.HeaderContentType)
	switch {
	case strings.HasPrefix(ctype, echo.MIMEApplicationJSON):
		buf, err := io.ReadAll(io.LimitReader(req.Body, maxJSONPathBody))
		// Put the bytes back for the handler's own binding.
		req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), req.Body))
		if err != nil {
			return "", false, true
		}
		var body map[string]json.RawMessage
		if json.Unmarshal(buf, &body) != nil {
			return "", false, true
		}
		rawValue, ok := body[name]
		if !ok || string(rawValue) == "null" {
			return "", false, true
		}
		var s string
		if json.Unmarshal(rawValue, &s) != nil {
			return "", true, false
		}
		return s, true, true

	case strings.HasPrefix(ctype, echo.MIMEApplicationForm),
		strings.HasPrefix(ctype, echo.MIMEMultipartForm):
		// PostFormValue ignores the query string.
		if v := req.PostFormValue(name); v != "" {
			return v, true, true
		}
	}
	return "", false, true
}
