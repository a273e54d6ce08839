// Package tenantsettings implements the TenantSettings store (§3): a
// closed set of per-tenant key/value configuration entries — provider
// credentials, the active provider selection, the legacy-use proxy key —
// with hard-coded defaults for anything a tenant hasn't set.
package tenantsettings

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Key is one of the closed set of settings a tenant may configure.
type Key string

const (
	KeyAPIKey               Key = "API_KEY"
	KeyAPIProvider          Key = "API_PROVIDER"
	KeyAnthropicAPIKey      Key = "ANTHROPIC_API_KEY"
	KeyOpenAIAPIKey         Key = "OPENAI_API_KEY"
	KeyAWSAccessKeyID       Key = "AWS_ACCESS_KEY_ID"
	KeyAWSSecretAccessKey   Key = "AWS_SECRET_ACCESS_KEY"
	KeyAWSRegion            Key = "AWS_REGION"
	KeyVertexProjectID      Key = "VERTEX_PROJECT_ID"
	KeyVertexRegion         Key = "VERTEX_REGION"
	KeyVertexCredentialsRaw Key = "VERTEX_CREDENTIALS_JSON"
	KeyLegacyUseProxyAPIKey Key = "LEGACYUSE_PROXY_API_KEY"
)

// allowedKeys is the closed set Set() will accept; anything else is
// rejected rather than silently stored.
var allowedKeys = map[Key]bool{
	KeyAPIKey:               true,
	KeyAPIProvider:          true,
	KeyAnthropicAPIKey:      true,
	KeyOpenAIAPIKey:         true,
	KeyAWSAccessKeyID:       true,
	KeyAWSSecretAccessKey:   true,
	KeyAWSRegion:            true,
	KeyVertexProjectID:      true,
	KeyVertexRegion:         true,
	KeyVertexCredentialsRaw: true,
	KeyLegacyUseProxyAPIKey: true,
}

// defaults is the hard-coded fallthrough table for keys a tenant hasn't
// configured (§3: "Defaults fall through to a hard-coded table").
var defaults = map[Key]string{
	KeyAPIProvider:  "anthropic",
	KeyAWSRegion:    "us-east-1",
	KeyVertexRegion: "us-central1",
}

// secretKeys never come back out in plaintext via Get/TenantSetting;
// they're verified by comparison instead (bcrypt), because they
// authenticate inbound requests rather than authenticate us to a vendor.
var secretKeys = map[Key]bool{
	KeyLegacyUseProxyAPIKey: true,
}

// Store resolves and persists tenant settings, switching search_path per
// call so one instance serves every tenant (providers hold a single
// Settings reference and pass the tenant schema per lookup, the same
// shape job.LogWriter uses to serve every tenant from one pool).
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) acquire(ctx context.Context, schema string) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		conn.Release()
		return nil, err
	}
	return conn, nil
}

// TenantSetting implements provider.TenantSettingLookup: resolve key for
// tenantSchema, falling through to the hard-coded default.
func (s *Store) TenantSetting(ctx context.Context, tenantSchema, key string) (string, bool) {
	v, ok, err := s.get(ctx, tenantSchema, Key(key))
	if err != nil {
		return "", false
	}
	return v, ok
}

func (s *Store) get(ctx context.Context, schema string, key Key) (string, bool, error) {
	if secretKeys[key] {
		return "", false, fmt.Errorf("tenant setting %q is secret and cannot be read back in plaintext", key)
	}

	c, err := s.acquire(ctx, schema)
	if err != nil {
		return "", false, fmt.Errorf("acquiring connection: %w", err)
	}
	defer c.Release()

	var value string
	err = c.QueryRow(ctx, `SELECT value FROM tenant_settings WHERE key = $1`, string(key)).Scan(&value)
	if err == pgx.ErrNoRows {
		def, ok := defaults[key]
		return def, ok, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading tenant setting %q: %w", key, err)
	}
	return value, true, nil
}

// Set validates key against the closed set and upserts value, hashing it
// first if the key is a secret that's only ever verified, never re-read.
func (s *Store) Set(ctx context.Context, schema string, key Key, value string) error {
	if !allowedKeys[key] {
		return fmt.Errorf("tenant setting %q is not in the allowed key set", key)
	}

	stored := value
	if secretKeys[key] {
		hash, err := bcrypt.GenerateFromPassword([]byte(value), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing tenant setting %q: %w", key, err)
		}
		stored = string(hash)
	}

	c, err := s.acquire(ctx, schema)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer c.Release()

	_, err = c.Exec(ctx, `
		INSERT INTO tenant_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		string(key), stored)
	if err != nil {
		return fmt.Errorf("writing tenant setting %q: %w", key, err)
	}
	return nil
}

// VerifyProxyKey checks a presented LEGACYUSE_PROXY_API_KEY against its
// stored bcrypt hash, without ever exposing the hash or the original value.
func (s *Store) VerifyProxyKey(ctx context.Context, schema, presented string) (bool, error) {
	c, err := s.acquire(ctx, schema)
	if err != nil {
		return false, fmt.Errorf("acquiring connection: %w", err)
	}
	defer c.Release()

	var hash string
	err = c.QueryRow(ctx, `SELECT value FROM tenant_settings WHERE key = $1`, string(KeyLegacyUseProxyAPIKey)).Scan(&hash)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading proxy key hash: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)); err != nil {
		return false, nil
	}
	return true, nil
}
