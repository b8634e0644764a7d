package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"testgate/internal/db"
	"testgate/internal/domain"
	"testgate/internal/fault"
	"testgate/internal/migrate"
	"testgate/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
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

func sampleArtifact(fp string) domain.ArtifactRecord {
	return domain.ArtifactRecord{
		Fingerprint:  fp,
		Filename:     "calc_test.go",
		CurrentStage: domain.StageDesign,
		Status:       domain.StatusApproved,
		Content:      "package calc",
		CreatedAt:    "2025-06-01T00:00:00Z",
		UpdatedAt:    "2025-06-01T00:00:00Z",
	}
}

func insertArtifact(t *testing.T, r repo.Repo, a domain.ArtifactRecord) {
	t.Helper()
	err := r.WithTx(context.Background(), func(tx *sql.Tx) error {
		return r.InsertArtifact(context.Background(), tx, a)
	})
	if err != nil {
		t.Fatalf("insert artifact: %v", err)
	}
}

func TestArtifactFingerprintUnique(t *testing.T) {
	r := newRepo(t)
	insertArtifact(t, r, sampleArtifact("fp-1"))
	err := r.WithTx(context.Background(), func(tx *sql.Tx) error {
		return r.InsertArtifact(context.Background(), tx, sampleArtifact("fp-1"))
	})
	if fault.KindOf(err) != fault.Conflict {
		t.Fatalf("duplicate fingerprint: %v", err)
	}
}

func TestTransitionRequiresArtifact(t *testing.T) {
	r := newRepo(t)
	err := r.WithTx(context.Background(), func(tx *sql.Tx) error {
		return r.InsertTransition(context.Background(), tx, domain.StageTransition{
			Fingerprint: "ghost",
			Stage:       domain.StageDesign,
			Attempt:     1,
			Result:      domain.StatusApproved,
			ValidatorID: "tester",
			ValidatedAt: "2025-06-01T00:00:00Z",
		})
	})
	if fault.KindOf(err) != fault.Conflict {
		t.Fatalf("orphan transition: %v", err)
	}
}

func TestStageGuardRejectsStaleUpdate(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insertArtifact(t, r, sampleArtifact("fp-1"))

	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		return r.UpdateArtifactStage(ctx, tx, "fp-1", domain.StageDesign, domain.StageImplementation,
			domain.StatusApproved, "ok", "2025-06-01T01:00:00Z")
	})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}

	// A second writer still holding the old stage loses.
	err = r.WithTx(ctx, func(tx *sql.Tx) error {
		return r.UpdateArtifactStage(ctx, tx, "fp-1", domain.StageDesign, domain.StageImplementation,
			domain.StatusApproved, "ok", "2025-06-01T01:00:01Z")
	})
	if fault.KindOf(err) != fault.Conflict {
		t.Fatalf("stale update: %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.InsertArtifact(ctx, tx, sampleArtifact("fp-1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	if _, err := r.GetArtifact(ctx, "fp-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rolled-back insert visible: %v", err)
	}
}

func TestTokenUsageWriteOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	first := domain.TokenUsage{Token: "tok", Action: "advance:implementation", Actor: "alice", UsedAt: "2025-06-01T00:00:00Z"}
	inserted, err := r.MarkTokenUsed(ctx, first)
	if err != nil || !inserted {
		t.Fatalf("first mark: inserted=%v err=%v", inserted, err)
	}
	inserted, err = r.MarkTokenUsed(ctx, domain.TokenUsage{Token: "tok", Action: "advance:breaking", Actor: "mallory", UsedAt: "2025-06-02T00:00:00Z"})
	if err != nil || inserted {
		t.Fatalf("second mark: inserted=%v err=%v", inserted, err)
	}
	usage, err := r.GetTokenUsage(ctx, "tok")
	if err != nil {
		t.Fatal(err)
	}
	if usage != first {
		t.Fatalf("usage overwritten: %+v", usage)
	}
}

func TestRevokedTombstoneSurvivesCleanup(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if err := r.RevokeToken(ctx, "never-persisted"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.DeleteExpiredTokens(ctx, "2099-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	revoked, err := r.IsTokenRevoked(ctx, "never-persisted")
	if err != nil {
		t.Fatal(err)
	}
	if !revoked {
		t.Fatal("tombstone must survive expiry cleanup")
	}
}

func TestListArtifactsFilters(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	a := sampleArtifact("fp-a")
	b := sampleArtifact("fp-b")
	b.CurrentStage = domain.StageImplementation
	b.Status = domain.StatusRejected
	insertArtifact(t, r, a)
	insertArtifact(t, r, b)

	got, err := r.ListArtifacts(ctx, repo.ArtifactFilters{Stage: domain.StageImplementation})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Fingerprint != "fp-b" {
		t.Fatalf("stage filter: %+v", got)
	}

	got, err = r.ListArtifacts(ctx, repo.ArtifactFilters{Status: domain.StatusApproved})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Fingerprint != "fp-a" {
		t.Fatalf("status filter: %+v", got)
	}
}

func TestAttemptNumbersUniquePerStage(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insertArtifact(t, r, sampleArtifact("fp-1"))

	tr := domain.StageTransition{
		Fingerprint: "fp-1",
		Stage:       domain.StageDesign,
		Attempt:     1,
		Result:      domain.StatusRejected,
		ValidatorID: "tester",
		ValidatedAt: "2025-06-01T00:00:00Z",
	}
	if err := r.WithTx(ctx, func(tx *sql.Tx) error { return r.InsertTransition(ctx, tx, tr) }); err != nil {
		t.Fatal(err)
	}
	err := r.WithTx(ctx, func(tx *sql.Tx) error { return r.InsertTransition(ctx, tx, tr) })
	if fault.KindOf(err) != fault.Conflict {
		t.Fatalf("duplicate attempt: %v", err)
	}

	tr.Attempt = 2
	if err := r.WithTx(ctx, func(tx *sql.Tx) error { return r.InsertTransition(ctx, tx, tr) }); err != nil {
		t.Fatalf("next attempt: %v", err)
	}
	n, err := r.CountAttempts(ctx, "fp-1", domain.StageDesign)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("attempts %d", n)
	}

	// The in-transaction variant sees the same count.
	err = r.WithTx(ctx, func(tx *sql.Tx) error {
		inTx, err := r.CountAttemptsTx(ctx, tx, "fp-1", domain.StageDesign)
		if err != nil {
			return err
		}
		if inTx != n {
			t.Fatalf("tx count %d, pool count %d", inTx, n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
