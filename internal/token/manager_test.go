package token_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"testgate/internal/db"
	"testgate/internal/domain"
	"testgate/internal/fault"
	"testgate/internal/migrate"
	"testgate/internal/repo"
	"testgate/internal/token"
)

const fp = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"

func newManager(t *testing.T, cfg token.Config) *token.Manager {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = "test-secret"
	}
	m, err := token.NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func newStore(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn.DB}
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	m := newManager(t, token.Config{})
	ctx := context.Background()

	tok, err := m.Issue(ctx, fp, domain.StageDesign, -1, map[string]string{"suite": "calc"}, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !m.Validate(ctx, tok, fp, domain.StageDesign) {
		t.Fatal("freshly issued token must validate")
	}
	if m.Validate(ctx, tok, "other-fingerprint", domain.StageDesign) {
		t.Fatal("must not validate for another fingerprint")
	}
	if m.Validate(ctx, tok, fp, domain.StageBreaking) {
		t.Fatal("must not validate for another stage")
	}

	payload, err := m.Decode(tok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Fingerprint != fp || payload.Stage != domain.StageDesign {
		t.Fatalf("payload %+v", payload)
	}
	if payload.Nonce == "" {
		t.Fatal("payload must carry a nonce")
	}
	if payload.Metadata["suite"] != "calc" {
		t.Fatalf("metadata %v", payload.Metadata)
	}
}

func TestNoncesDiffer(t *testing.T) {
	m := newManager(t, token.Config{})
	ctx := context.Background()
	a, _ := m.Issue(ctx, fp, domain.StageDesign, -1, nil, "alice")
	b, _ := m.Issue(ctx, fp, domain.StageDesign, -1, nil, "alice")
	if a == b {
		t.Fatal("identical inputs must still mint distinct tokens")
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	m := newManager(t, token.Config{})
	ctx := context.Background()
	tok, err := m.Issue(ctx, fp, domain.StageDesign, -1, nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	// Flip one character in the signature segment.
	i := strings.LastIndex(tok, ".") + 1
	c := byte('A')
	if tok[i] == 'A' {
		c = 'B'
	}
	tampered := tok[:i] + string(c) + tok[i+1:]
	err = m.Check(ctx, tampered, fp, domain.StageDesign)
	if fault.ReasonOf(err) != fault.ReasonTokenInvalid {
		t.Fatalf("want invalid signature, got %v", err)
	}
}

func TestZeroTTLExpiresImmediately(t *testing.T) {
	m := newManager(t, token.Config{})
	ctx := context.Background()
	tok, err := m.Issue(ctx, fp, domain.StageDesign, 0, nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	err = m.Check(ctx, tok, fp, domain.StageDesign)
	if fault.ReasonOf(err) != fault.ReasonTokenExpired {
		t.Fatalf("want expired, got %v", err)
	}
}

func TestExpiryUsesCurrentClock(t *testing.T) {
	m := newManager(t, token.Config{})
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return base }
	tok, err := m.Issue(ctx, fp, domain.StageDesign, time.Hour, nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Check(ctx, tok, fp, domain.StageDesign); err != nil {
		t.Fatalf("within ttl: %v", err)
	}
	m.Now = func() time.Time { return base.Add(2 * time.Hour) }
	if err := m.Check(ctx, tok, fp, domain.StageDesign); fault.ReasonOf(err) != fault.ReasonTokenExpired {
		t.Fatalf("after ttl: %v", err)
	}
}

func TestRevokeIsIdempotentAndPermanent(t *testing.T) {
	m := newManager(t, token.Config{Store: newStore(t)})
	ctx := context.Background()
	tok, err := m.Issue(ctx, fp, domain.StageDesign, -1, nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := m.Revoke(ctx, tok); err != nil {
			t.Fatalf("revoke #%d: %v", i+1, err)
		}
	}
	if err := m.Check(ctx, tok, fp, domain.StageDesign); fault.ReasonOf(err) != fault.ReasonTokenRevoked {
		t.Fatalf("want revoked, got %v", err)
	}
	// Revoking a token that was never persisted still sticks.
	if err := m.Revoke(ctx, "never-issued"); err != nil {
		t.Fatalf("revoke unknown: %v", err)
	}
	if err := m.Check(ctx, "never-issued", fp, domain.StageDesign); fault.ReasonOf(err) != fault.ReasonTokenRevoked {
		t.Fatalf("unknown token revocation: %v", err)
	}
}

func TestMarkUsedFirstRecordWins(t *testing.T) {
	store := newStore(t)
	m := newManager(t, token.Config{Store: store})
	ctx := context.Background()
	tok, err := m.Issue(ctx, fp, domain.StageDesign, -1, nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.MarkUsed(ctx, tok, "advance:implementation", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkUsed(ctx, tok, "advance:breaking", "mallory"); err != nil {
		t.Fatalf("duplicate mark must succeed silently: %v", err)
	}
	usage, err := store.GetTokenUsage(ctx, tok)
	if err != nil {
		t.Fatal(err)
	}
	if usage.Actor != "alice" || usage.Action != "advance:implementation" {
		t.Fatalf("first record overwritten: %+v", usage)
	}
	if err := m.Check(ctx, tok, fp, domain.StageDesign); fault.ReasonOf(err) != fault.ReasonTokenUsed {
		t.Fatalf("want used, got %v", err)
	}
}

func TestIssuanceRateLimitUnderConcurrency(t *testing.T) {
	const limit = 5
	m := newManager(t, token.Config{RateLimit: limit})
	ctx := context.Background()

	const attempts = 20
	results := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.Issue(ctx, fp, domain.StageDesign, -1, nil, "alice")
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, err := range results {
		if err == nil {
			granted++
		} else if fault.KindOf(err) != fault.RateLimited {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if granted != limit {
		t.Fatalf("granted %d, want exactly %d", granted, limit)
	}

	// Another principal has an independent window.
	if _, err := m.Issue(ctx, fp, domain.StageDesign, -1, nil, "bob"); err != nil {
		t.Fatalf("bob should not share alice's window: %v", err)
	}
}

func TestCleanupExpiredCountsOnlyExpired(t *testing.T) {
	store := newStore(t)
	m := newManager(t, token.Config{Store: store})
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return base }

	if _, err := m.Issue(ctx, fp, domain.StageDesign, time.Minute, nil, "alice"); err != nil {
		t.Fatal(err)
	}
	live, err := m.Issue(ctx, fp, domain.StageImplementation, 24*time.Hour, nil, "alice")
	if err != nil {
		t.Fatal(err)
	}

	m.Now = func() time.Time { return base.Add(time.Hour) }
	n, err := m.CleanupExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if err := m.Check(ctx, live, fp, domain.StageImplementation); err != nil {
		t.Fatalf("live token must survive cleanup: %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	m := newManager(t, token.Config{})
	if _, err := m.Decode("definitely-not-a-token"); fault.KindOf(err) != fault.Unauthorized {
		t.Fatalf("got %v", err)
	}
}

func TestIssueValidatesInput(t *testing.T) {
	m := newManager(t, token.Config{})
	ctx := context.Background()
	if _, err := m.Issue(ctx, "", domain.StageDesign, -1, nil, "alice"); fault.KindOf(err) != fault.InputValidation {
		t.Fatalf("empty fingerprint: %v", err)
	}
	if _, err := m.Issue(ctx, fp, domain.Stage("mystery"), -1, nil, "alice"); fault.KindOf(err) != fault.InputValidation {
		t.Fatalf("unknown stage: %v", err)
	}
}
