package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type requestContextKey struct{}

type requestInfo struct {
	TenantID  string
	RequestID string
	Actor     string
}

// RequestMiddleware resolves the tenant, request id and acting user once
// per request. A missing request id is generated and echoed back.
func RequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, requestID := extractTenantAndRequestID(r)
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set("X-Request-ID", requestID)
		}
		w.Header().Set("X-Request-ID", requestID)
		info := requestInfo{
			TenantID:  tenantID,
			RequestID: requestID,
			Actor:     strings.TrimSpace(r.Header.Get("X-Actor-ID")),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestContextKey{}, info)))
	})
}

func infoFromRequest(r *http.Request) requestInfo {
	if info, ok := r.Context().Value(requestContextKey{}).(requestInfo); ok {
		return info
	}
	tenantID, requestID := extractTenantAndRequestID(r)
	return requestInfo{TenantID: tenantID, RequestID: requestID, Actor: strings.TrimSpace(r.Header.Get("X-Actor-ID"))}
}

func requestIDFromRequest(r *http.Request) string {
	return infoFromRequest(r).RequestID
}

// requireTenant answers 400 when the request names no tenant.
func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	info := infoFromRequest(r)
	if info.TenantID == "" {
		writeError(w, info.RequestID, http.StatusBadRequest, "invalid_request", "X-Tenant-ID header or tenant_id query parameter is required")
		return "", false
	}
	return info.TenantID, true
}

func extractTenantAndRequestID(r *http.Request) (string, string) {
	tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if tenantID == "" {
		tenantID = strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	}
	if requestID == "" {
		requestID = strings.TrimSpace(r.URL.Query().Get("request_id"))
	}
	return tenantID, requestID
}
