package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicalcanvas/canvas/internal/platform/auth"
)

const apiPrefix = "/api/v1/"

// documentResources maps API collection segments to document types.
var documentResources = map[string]string{
	"clinical-notes":  "clinical_note",
	"treatment-plans": "treatment_plan",
}

// AccessEntry is one line of the HTTP access log for document routes. It is
// emitted whether or not the request succeeded and complements the
// per-document audit trail, which only records completed operations.
type AccessEntry struct {
	UserID       string
	UserRoles    []string
	TenantID     string
	DocumentType string
	DocumentID   string
	SubjectID    string
	Action       string
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// Audit logs a structured "phi_access" line for every request that touches
// clinical documents.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			docType, rest, ok := parseDocumentPath(req.URL.Path)
			if !ok {
				return next(c)
			}

			err := next(c)

			entry := AccessEntry{
				Timestamp:    time.Now().UTC(),
				Path:         req.URL.Path,
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   c.Response().Status,
				DocumentType: docType,
				SubjectID:    c.QueryParam("subject_id"),
			}
			if he, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = he.Code
			}

			ctx := req.Context()
			entry.UserID = auth.UserIDFromContext(ctx)
			entry.UserRoles = auth.RolesFromContext(ctx)
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.TenantID, _ = c.Get("tenant_id").(string)
			entry.DocumentID, entry.Action = classifyAccess(req.Method, rest)

			evt := logger.Info()
			if entry.StatusCode == http.StatusForbidden || entry.StatusCode == http.StatusUnauthorized {
				evt = logger.Warn()
			}
			evt.
				Str("type", "hipaa_audit").
				Str("request_id", entry.RequestID).
				Str("tenant", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("document_type", entry.DocumentType).
				Str("document_id", entry.DocumentID).
				Str("subject_id", entry.SubjectID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Str("user_agent", entry.UserAgent).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

// parseDocumentPath splits /api/v1/<collection>/<rest...> for document
// collections and reports the document type.
func parseDocumentPath(path string) (docType string, rest []string, ok bool) {
	if !strings.HasPrefix(path, apiPrefix) {
		return "", nil, false
	}
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, apiPrefix), "/"), "/")
	docType, ok = documentResources[segments[0]]
	if !ok {
		return "", nil, false
	}
	return docType, segments[1:], true
}

// classifyAccess derives the document id and access action from the path
// segments after the collection.
//
//	GET  /                 -> list
//	GET  /:id              -> read
//	GET  /:id/audit        -> history
//	GET  /:id/verify       -> verify
//	GET  /:id/export.pdf   -> export
//	POST /                 -> create
//	POST /:id/{lock,sign,unlock}
//	PATCH /:id             -> update
//	DELETE /:id            -> delete
func classifyAccess(method string, rest []string) (id, action string) {
	if len(rest) > 0 && isUUIDLike(rest[0]) {
		id = rest[0]
	}

	switch {
	case len(rest) == 0:
		if method == http.MethodPost {
			return "", "create"
		}
		return "", "list"
	case len(rest) >= 2:
		switch rest[1] {
		case "audit":
			return id, "history"
		case "export.pdf":
			return id, "export"
		default:
			return id, rest[1]
		}
	}

	switch method {
	case http.MethodPatch, http.MethodPut:
		return id, "update"
	case http.MethodDelete:
		return id, "delete"
	default:
		return id, "read"
	}
}

func isUUIDLike(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
