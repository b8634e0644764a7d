package token

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"testgate/internal/domain"
	"testgate/internal/fault"
)

// Store is the optional persistence hook for issued tokens, revocations and
// the usage ledger. repo.Repo satisfies it.
type Store interface {
	InsertToken(ctx context.Context, rec domain.TokenRecord) error
	IsTokenRevoked(ctx context.Context, token string) (bool, error)
	RevokeToken(ctx context.Context, token string) error
	MarkTokenUsed(ctx context.Context, usage domain.TokenUsage) (bool, error)
	IsTokenUsed(ctx context.Context, token string) (bool, error)
	DeleteExpiredTokens(ctx context.Context, now string) (int, error)
}

// TxStore extends Store with variants that join a caller-owned transaction,
// so token writes commit or roll back with the stage advance they belong
// to. repo.Repo satisfies it.
type TxStore interface {
	Store
	InsertTokenTx(ctx context.Context, tx *sql.Tx, rec domain.TokenRecord) error
	MarkTokenUsedTx(ctx context.Context, tx *sql.Tx, usage domain.TokenUsage) (bool, error)
}

// DefaultTTL applies when the configured token lifetime is unset.
const DefaultTTL = 7 * 24 * time.Hour

// Config for a Manager. Secret is the only required field.
type Config struct {
	Secret    string
	TTL       time.Duration
	RateLimit int // issuances per principal per minute; 0 disables
	Store     Store
}

// Manager issues and retires stage credentials. It is the security boundary
// of the engine: nothing advances a stage without passing Check.
type Manager struct {
	secret  []byte
	ttl     time.Duration
	store   Store
	limiter *Limiter
	Now     func() time.Time

	// In-memory dead states, used when no Store is attached.
	mu      sync.Mutex
	revoked map[string]struct{}
	used    map[string]domain.TokenUsage
}

func NewManager(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("token: signing secret is required")
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		secret:  []byte(cfg.Secret),
		ttl:     ttl,
		store:   cfg.Store,
		limiter: NewLimiter(cfg.RateLimit),
		Now:     time.Now,
		revoked: make(map[string]struct{}),
		used:    make(map[string]domain.TokenUsage),
	}, nil
}

// TTL returns the default lifetime applied when Issue receives ttl < 0.
func (m *Manager) TTL() time.Duration { return m.ttl }

type stageClaims struct {
	jwt.RegisteredClaims
	Fingerprint string            `json:"fingerprint"`
	Stage       domain.Stage      `json:"stage"`
	Nonce       string            `json:"nonce"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Issue mints a stage credential for (fingerprint, stage). The rate limit is
// checked before anything is minted. ttl < 0 selects the configured default;
// ttl == 0 produces an already-expired token.
func (m *Manager) Issue(ctx context.Context, fingerprint string, stage domain.Stage, ttl time.Duration, metadata map[string]string, principal string) (string, error) {
	signed, rec, err := m.mint(fingerprint, stage, ttl, metadata, principal)
	if err != nil {
		return "", err
	}
	if m.store != nil {
		if err := m.store.InsertToken(ctx, rec); err != nil {
			return "", fault.Wrap(fault.Internal, "token_persist_failed", err)
		}
	}
	return signed, nil
}

// IssueTx is Issue with the token row written inside the caller's
// transaction. If the transaction rolls back, the token never existed.
func (m *Manager) IssueTx(ctx context.Context, tx *sql.Tx, fingerprint string, stage domain.Stage, ttl time.Duration, metadata map[string]string, principal string) (string, error) {
	signed, rec, err := m.mint(fingerprint, stage, ttl, metadata, principal)
	if err != nil {
		return "", err
	}
	if ts, ok := m.store.(TxStore); ok {
		if err := ts.InsertTokenTx(ctx, tx, rec); err != nil {
			return "", fault.Wrap(fault.Internal, "token_persist_failed", err)
		}
	}
	return signed, nil
}

func (m *Manager) mint(fingerprint string, stage domain.Stage, ttl time.Duration, metadata map[string]string, principal string) (string, domain.TokenRecord, error) {
	if fingerprint == "" {
		return "", domain.TokenRecord{}, fault.New(fault.InputValidation, "fingerprint_required", "fingerprint is required")
	}
	if !stage.Valid() {
		return "", domain.TokenRecord{}, fault.New(fault.InputValidation, "unknown_stage", "unknown stage %q", stage)
	}
	if res := m.limiter.Allow(principal); !res.Allowed {
		return "", domain.TokenRecord{}, fault.New(fault.RateLimited, "issuance_rate_limited",
			"token issuance limit of %d per minute reached for %s; retry in %ds", res.Limit, principal, res.RetryAfterSeconds)
	}
	if ttl < 0 {
		ttl = m.ttl
	}
	now := m.Now().UTC()
	expires := now.Add(ttl)
	claims := stageClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Subject:   principal,
		},
		Fingerprint: fingerprint,
		Stage:       stage,
		Nonce:       uuid.NewString(),
		Metadata:    metadata,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", domain.TokenRecord{}, fault.Wrap(fault.Internal, "token_sign_failed", err)
	}
	rec := domain.TokenRecord{
		Token:       signed,
		Fingerprint: fingerprint,
		Stage:       stage,
		IssuedAt:    now.Format(time.RFC3339),
		ExpiresAt:   expires.Format(time.RFC3339),
	}
	return signed, rec, nil
}

// Decode extracts the payload without running the full validation chain.
// The orchestrator uses it to report a precise fingerprint mismatch before
// the generic validity check. The signature is NOT verified here.
func (m *Manager) Decode(tokenStr string) (domain.TokenPayload, error) {
	claims := &stageClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
		return domain.TokenPayload{}, fault.New(fault.Unauthorized, fault.ReasonTokenInvalid, "token is malformed")
	}
	return payloadFromClaims(claims), nil
}

func payloadFromClaims(c *stageClaims) domain.TokenPayload {
	p := domain.TokenPayload{
		Fingerprint: c.Fingerprint,
		Stage:       c.Stage,
		Nonce:       c.Nonce,
		Metadata:    c.Metadata,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.UTC().Format(time.RFC3339)
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return p
}

// Check runs the full validation chain in order: revoked, used, signature,
// expiry, fingerprint, stage. The first failure is returned as an
// Unauthorized fault with its sub-reason; nil means the token authorizes
// the expected (fingerprint, stage).
func (m *Manager) Check(ctx context.Context, tokenStr, expectedFingerprint string, expectedStage domain.Stage) error {
	revoked, err := m.isRevoked(ctx, tokenStr)
	if err != nil {
		return fault.Wrap(fault.Internal, "revocation_lookup_failed", err)
	}
	if revoked {
		return fault.New(fault.Unauthorized, fault.ReasonTokenRevoked, "token has been revoked")
	}
	used, err := m.isUsed(ctx, tokenStr)
	if err != nil {
		return fault.Wrap(fault.Internal, "usage_lookup_failed", err)
	}
	if used {
		return fault.New(fault.Unauthorized, fault.ReasonTokenUsed, "token has already been used")
	}
	claims := &stageClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return fault.New(fault.Unauthorized, fault.ReasonTokenInvalid, "token signature is invalid")
	}
	if claims.ExpiresAt == nil || !m.Now().UTC().Before(claims.ExpiresAt.Time) {
		return fault.New(fault.Unauthorized, fault.ReasonTokenExpired, "token has expired")
	}
	if claims.Fingerprint != expectedFingerprint {
		return fault.New(fault.Unauthorized, fault.ReasonFingerprintMismatch, "token is bound to a different artifact")
	}
	if claims.Stage != expectedStage {
		return fault.New(fault.Unauthorized, fault.ReasonTokenInvalid, "token is bound to stage %s, expected %s", claims.Stage, expectedStage)
	}
	return nil
}

// Validate reports whether the token authorizes the expected
// (fingerprint, stage). Any failure anywhere in the chain yields false.
func (m *Manager) Validate(ctx context.Context, tokenStr, expectedFingerprint string, expectedStage domain.Stage) bool {
	return m.Check(ctx, tokenStr, expectedFingerprint, expectedStage) == nil
}

// Revoke marks a token permanently invalid regardless of prior state.
// Idempotent: revoking twice equals revoking once.
func (m *Manager) Revoke(ctx context.Context, tokenStr string) error {
	if m.store != nil {
		return m.store.RevokeToken(ctx, tokenStr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[tokenStr] = struct{}{}
	return nil
}

// MarkUsed records consumption once. Duplicate calls succeed silently and
// never overwrite the first recorded actor or timestamp.
func (m *Manager) MarkUsed(ctx context.Context, tokenStr, action, actor string) error {
	usage := domain.TokenUsage{
		Token:  tokenStr,
		Action: action,
		Actor:  actor,
		UsedAt: m.Now().UTC().Format(time.RFC3339),
	}
	if m.store != nil {
		_, err := m.store.MarkTokenUsed(ctx, usage)
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.used[tokenStr]; !ok {
		m.used[tokenStr] = usage
	}
	return nil
}

// MarkUsedTx is MarkUsed with the ledger row written inside the caller's
// transaction.
func (m *Manager) MarkUsedTx(ctx context.Context, tx *sql.Tx, tokenStr, action, actor string) error {
	ts, ok := m.store.(TxStore)
	if !ok {
		return m.MarkUsed(ctx, tokenStr, action, actor)
	}
	_, err := ts.MarkTokenUsedTx(ctx, tx, domain.TokenUsage{
		Token:  tokenStr,
		Action: action,
		Actor:  actor,
		UsedAt: m.Now().UTC().Format(time.RFC3339),
	})
	return err
}

// CleanupExpired purges persisted tokens whose expiry has passed and returns
// the count removed. Validation never reads a token row after its existence
// check, so concurrent cleanup cannot invalidate a mid-flight validation.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	return m.store.DeleteExpiredTokens(ctx, m.Now().UTC().Format(time.RFC3339))
}

func (m *Manager) isRevoked(ctx context.Context, tokenStr string) (bool, error) {
	if m.store != nil {
		return m.store.IsTokenRevoked(ctx, tokenStr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[tokenStr]
	return ok, nil
}

func (m *Manager) isUsed(ctx context.Context, tokenStr string) (bool, error) {
	if m.store != nil {
		return m.store.IsTokenUsed(ctx, tokenStr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.used[tokenStr]
	return ok, nil
}
