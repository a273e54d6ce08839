package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Resolver identifies the tenant for the current request.
type Resolver interface {
	Resolve(r *http.Request) (slug string, err error)
}

// HeaderResolver resolves the tenant from the X-Tenant-Slug header.
// Intended for development and testing; production should resolve the
// tenant from the request Host, per the routing model named in §6.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (string, error) {
	slug := r.Header.Get("X-Tenant-Slug")
	if slug == "" {
		return "", fmt.Errorf("missing X-Tenant-Slug header")
	}
	return slug, nil
}

// Lookup retrieves tenant metadata by slug.
type Lookup interface {
	LookupBySlug(ctx context.Context, slug string) (id uuid.UUID, name string, err error)
}

// poolLookup is the default raw-SQL Lookup.
type poolLookup struct {
	pool *pgxpool.Pool
}

func (l *poolLookup) LookupBySlug(ctx context.Context, slug string) (uuid.UUID, string, error) {
	var id uuid.UUID
	var name string
	err := l.pool.QueryRow(ctx,
		"SELECT id, name FROM public.tenants WHERE slug = $1",
		slug,
	).Scan(&id, &name)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, name, nil
}

// Middleware returns an HTTP middleware that resolves the tenant, acquires a
// dedicated database connection, sets the PostgreSQL search_path to the
// tenant's schema, and stores both the tenant info and the scoped connection
// in the request context. The connection is released after the downstream
// handler returns.
func Middleware(pool *pgxpool.Pool, resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return MiddlewareWithLookup(pool, &poolLookup{pool: pool}, resolver, logger)
}

// MiddlewareWithLookup is like Middleware but accepts a custom Lookup.
func MiddlewareWithLookup(pool *pgxpool.Pool, lookup Lookup, resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slug, err := resolver.Resolve(r)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "unauthorized", "tenant resolution failed")
				return
			}

			tenantID, tenantName, err := lookup.LookupBySlug(r.Context(), slug)
			if err != nil {
				logger.Warn("tenant not found", "slug", slug, "error", err)
				respondError(w, http.StatusUnauthorized, "unauthorized", "unknown tenant")
				return
			}

			schema := SchemaName(slug)

			conn, err := pool.Acquire(r.Context())
			if err != nil {
				logger.Error("acquiring database connection", "error", err)
				respondError(w, http.StatusServiceUnavailable, "unavailable", "database connection unavailable")
				return
			}
			defer conn.Release()

			searchPath := schema + ", public"
			if _, err := conn.Exec(r.Context(), "SELECT set_config('search_path', $1, false)", searchPath); err != nil {
				logger.Error("setting search_path", "schema", schema, "error", err)
				respondError(w, http.StatusInternalServerError, "internal", "database configuration error")
				return
			}

			info := &Info{
				ID:     tenantID,
				Name:   tenantName,
				Slug:   slug,
				Schema: schema,
			}

			ctx := NewContext(r.Context(), info)
			ctx = NewConnContext(ctx, conn)

			logger.Debug("tenant resolved",
				"tenant_id", tenantID,
				"slug", slug,
				"schema", schema,
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondError(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}

// WithSearchPath appends search_path=<schema> to a PostgreSQL connection URL.
func WithSearchPath(databaseURL, schema string) (string, error) {
	return withSearchPath(databaseURL, schema)
}
