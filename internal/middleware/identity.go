package middleware

import (
	"context"
	"net/http"
	"strings"
)

type identityKey string

const (
	userIDKey   identityKey = "user_id"
	tenantIDKey identityKey = "tenant_id"
)

// Identity reads the caller identity from trusted gateway headers and puts it
// on the request context. Requests without a user id are rejected before they
// reach a handler.
func Identity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
			if userID == "" {
				http.Error(w, "missing user identity", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, userID)
			if tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); tenantID != "" {
				ctx = context.WithValue(ctx, tenantIDKey, tenantID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func TenantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithIdentity is a test helper for handlers exercised without the
// middleware in front of them.
func ContextWithIdentity(ctx context.Context, userID, tenantID string) context.Context {
	if strings.TrimSpace(userID) != "" {
		ctx = context.WithValue(ctx, userIDKey, userID)
	}
	if strings.TrimSpace(tenantID) != "" {
		ctx = context.WithValue(ctx, tenantIDKey, tenantID)
	}
	return ctx
}
