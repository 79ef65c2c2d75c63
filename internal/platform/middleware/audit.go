package middleware

import (
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ActorHeader carries the caller identity established by the upstream
// gateway. It is recorded, not trusted for access decisions.
const ActorHeader = "X-Actor-ID"

// AuditReferenceKey is the echo context key handlers use to report the
// storage reference an operation actually touched.
const AuditReferenceKey = "audit_reference"

const maxActorLen = 128

// AuditEntry is one document access.
type AuditEntry struct {
	Actor         string
	Action        string // read, list, upload, import, delete
	DocumentClass string
	OwnerID       string
	Reference     string
	IPAddress     string
	UserAgent     string
	Path          string
	Method        string
	Timestamp     time.Time
	RequestID     string
	StatusCode    int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request under /api/v1/files and /api/v1/documents after
// the handler has run, so the entry carries the final status and the
// reference that was served or written.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			// Re-read the request: ValidatePath may have replaced it.
			req := c.Request()
			entry := AuditEntry{
				Actor:      ActorFrom(c),
				Action:     auditAction(req.Method, path),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Timestamp:  time.Now().UTC(),
				StatusCode: c.Response().Status,
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.DocumentClass, entry.OwnerID = documentRouteParts(path)

			if ref, ok := c.Get(AuditReferenceKey).(string); ok {
				entry.Reference = ref
			} else if vp, ok := ValidatedPathFrom(req.Context()); ok {
				entry.Reference = vp.Reference
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "document_audit").
				Str("request_id", entry.RequestID).
				Str("actor", entry.Actor).
				Str("action", entry.Action).
				Str("document_class", entry.DocumentClass).
				Str("owner_id", entry.OwnerID).
				Str("reference", entry.Reference).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("document_access")

			return nil
		}
	}
}

// ActorFrom returns the gateway-supplied actor, or "" if the header is
// missing or not printable.
func ActorFrom(c echo.Context) string {
	actor := strings.TrimSpace(c.Request().Header.Get(ActorHeader))
	if actor == "" || len(actor) > maxActorLen {
		return ""
	}
	for _, r := range actor {
		if !unicode.IsPrint(r) {
			return ""
		}
	}
	return actor
}

func isAuditablePath(path string) bool {
	return path == "/api/v1/files" ||
		strings.HasPrefix(path, "/api/v1/files/") ||
		strings.HasPrefix(path, UploadPathPrefix)
}

func auditAction(method, path string) string {
	switch method {
	case http.MethodPost:
		if strings.HasSuffix(path, "/import") {
			return "import"
		}
		return "upload"
	case http.MethodPut, http.MethodPatch:
		return "upload"
	case http.MethodDelete:
		return "delete"
	default:
		if strings.HasPrefix(path, UploadPathPrefix) && strings.Count(strings.TrimPrefix(path, UploadPathPrefix), "/") == 0 {
			return "list"
		}
		return "read"
	}
}

// documentRouteParts extracts class and owner from
// /api/v1/documents/:class[/:ownerId[/import]].
func documentRouteParts(path string) (class, owner string) {
	if !strings.HasPrefix(path, UploadPathPrefix) {
		return "", ""
	}
	parts := strings.Split(strings.TrimPrefix(path, UploadPathPrefix), "/")
	if len(parts) > 0 {
		class = parts[0]
	}
	if len(parts) > 1 {
		owner = parts[1]
	}
	return class, owner
}
