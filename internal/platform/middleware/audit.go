package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/docqa/deid/internal/platform/auth"
)

// MappingsPath prefixes every route that returns original values.
const MappingsPath = "/api/deid/mappings"

// AuditEntry records one read of the mapping ledger. It never holds
// original or anonymized values.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	DocumentID string
	EntityType string
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries beyond the log stream.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request under MappingsPath after it is served, whatever
// its outcome, and hands the entry to the optional recorder.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditablePath(req.URL.Path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				DocumentID: documentIDFromPath(req.URL.Path),
				EntityType: c.QueryParam("entity_type"),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       req.URL.Path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				RequestID:  requestIDOf(c),
				StatusCode: status,
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
				Str("type", "mapping_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("document_id", entry.DocumentID).
				Str("entity_type", entry.EntityType).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("mapping_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return path == MappingsPath || strings.HasPrefix(path, MappingsPath+"/")
}

// documentIDFromPath returns the segment after MappingsPath, or "" for the
// listing route.
func documentIDFromPath(path string) string {
	rest := strings.TrimPrefix(path, MappingsPath+"/")
	if rest == path || rest == "" {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}
