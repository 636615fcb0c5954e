package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/agentops/internal/trace"
	"github.com/patrickmn/go-cache"
)

const (
	AdminTokenHeader = "X-AgentOps-Admin-Token"
	ProjectKeyHeader = "X-AgentOps-Key"
)

var (
	ErrMissingAdminToken = errors.New("missing admin token")
	ErrInvalidAdminToken = errors.New("invalid admin token")
	ErrInvalidAPIKey     = errors.New("invalid api key")
)

type Options struct {
	Enabled bool
	// Tokens are admin tokens, either plaintext or "sha256:<hex>".
	Tokens []string
}

// Identity is the caller resolved by the admin guard.
type Identity struct {
	TokenID string
	Role    string
}

// Authorizer guards the management API with static admin tokens.
type Authorizer struct {
	enabled bool
	tokens  map[string]*Identity
}

func NewAuthorizer(options Options) (*Authorizer, error) {
	authorizer := &Authorizer{
		enabled: options.Enabled,
		tokens:  map[string]*Identity{},
	}
	if !options.Enabled {
		return authorizer, nil
	}
	if len(options.Tokens) == 0 {
		return nil, errors.New("auth is enabled but no admin tokens are configured")
	}

	for i, raw := range options.Tokens {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil, fmt.Errorf("admin token %d cannot be empty", i)
		}
		hash := HashAPIKey(raw)
		if value, ok := strings.CutPrefix(raw, "sha256:"); ok {
			hash = strings.ToLower(strings.TrimSpace(value))
			if len(hash) != 64 {
				return nil, fmt.Errorf("admin token %d: sha256 hash must be 64 hex characters", i)
			}
		}
		if _, exists := authorizer.tokens[hash]; exists {
			return nil, errors.New("duplicate admin token in auth config")
		}
		authorizer.tokens[hash] = &Identity{TokenID: hash[:8], Role: "admin"}
	}
	return authorizer, nil
}

func (a *Authorizer) Enabled() bool {
	return a != nil && a.enabled
}

// Authenticate reads the bearer token or the admin token header.
func (a *Authorizer) Authenticate(r *http.Request) (*Identity, error) {
	if !a.Enabled() {
		return nil, nil
	}

	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get(AdminTokenHeader))
	}
	if token == "" {
		return nil, ErrMissingAdminToken
	}

	identity, ok := a.tokens[HashAPIKey(token)]
	if !ok {
		return nil, ErrInvalidAdminToken
	}
	out := *identity
	return &out, nil
}

// Middleware requires an admin token on every API route except health,
// ingest and CORS preflight. It is a no-op when auth is disabled.
func Middleware(authorizer *Authorizer, apiPrefix string, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !authorizer.Enabled() {
		return next
	}
	apiPrefix = "/" + strings.Trim(strings.TrimSpace(apiPrefix), "/")
	if apiPrefix == "/" {
		apiPrefix = "/api"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublic(r.Method, r.URL.Path, apiPrefix) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := authorizer.Authenticate(r)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "missing or invalid admin token")
			return
		}

		request := r.Clone(WithIdentity(r.Context(), identity))
		request.Header = r.Header.Clone()
		request.Header.Del(AdminTokenHeader)
		request.Header.Del("Authorization")
		next.ServeHTTP(w, request)
	})
}

func isPublic(method, path, apiPrefix string) bool {
	if strings.EqualFold(strings.TrimSpace(method), http.MethodOptions) {
		return true
	}
	if path != apiPrefix && !strings.HasPrefix(path, apiPrefix+"/") {
		return true
	}
	switch {
	case path == apiPrefix+"/health" && (method == http.MethodGet || method == http.MethodHead):
		return true
	case path == apiPrefix+"/traces/ingest" && method == http.MethodPost:
		return true
	default:
		return false
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

type contextIdentityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, contextIdentityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(contextIdentityKey{}).(*Identity)
	return identity, ok && identity != nil
}

// ProjectKeyLookup resolves a key hash to its project.
type ProjectKeyLookup interface {
	GetProjectByKeyHash(ctx context.Context, keyHash string) (*trace.Project, error)
}

// ProjectAuthenticator resolves project API keys, caching hits for a short
// TTL. Misses are never cached.
type ProjectAuthenticator struct {
	lookup ProjectKeyLookup
	cache  *cache.Cache
}

func NewProjectAuthenticator(lookup ProjectKeyLookup, ttl time.Duration) *ProjectAuthenticator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ProjectAuthenticator{
		lookup: lookup,
		cache:  cache.New(ttl, 2*ttl),
	}
}

// Authenticate returns the active project owning key. Unknown, blank or
// inactive keys yield ErrInvalidAPIKey; store failures are returned as is.
func (p *ProjectAuthenticator) Authenticate(ctx context.Context, key string) (*trace.Project, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidAPIKey
	}
	hash := HashAPIKey(key)
	if cached, ok := p.cache.Get(hash); ok {
		return cached.(*trace.Project), nil
	}

	project, err := p.lookup.GetProjectByKeyHash(ctx, hash)
	if errors.Is(err, trace.ErrNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("resolve api key: %w", err)
	}
	if !project.IsActive {
		return nil, ErrInvalidAPIKey
	}
	p.cache.Set(hash, project, cache.DefaultExpiration)
	return project, nil
}

// Forget drops a cached key hash, e.g. after rotation.
func (p *ProjectAuthenticator) Forget(keyHash string) {
	p.cache.Delete(strings.ToLower(strings.TrimSpace(keyHash)))
}
