package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"testgate/internal/config"
	"testgate/internal/db"
	"testgate/internal/domain"
	"testgate/internal/engine"
	"testgate/internal/fault"
	"testgate/internal/migrate"
	"testgate/internal/oracle"
	"testgate/internal/repo"
	"testgate/internal/token"
)

type scriptedAssessor struct {
	fn func(req oracle.Request) oracle.Assessment
}

func (s scriptedAssessor) Assess(_ context.Context, req oracle.Request) (oracle.Assessment, error) {
	return s.fn(req), nil
}

func approveAll(oracle.Request) oracle.Assessment {
	return oracle.Assessment{Verdict: oracle.VerdictApproved, Rationale: "looks sound"}
}

type testEnv struct {
	Engine engine.Engine
	Tokens *token.Manager
	Ctx    context.Context
}

func newTestEnv(t *testing.T, assess func(oracle.Request) oracle.Assessment) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	mgr, err := token.NewManager(token.Config{
		Secret: "test-secret",
		Store:  repo.Repo{DB: conn.DB},
	})
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	eng := engine.New(conn, cfg, mgr, scriptedAssessor{fn: assess})
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Tokens: mgr, Ctx: context.Background()}
}

const sampleTest = `package calc

import "testing"

func TestAdd(t *testing.T) {
	if Add(1, 2) != 3 {
		t.Fatalf("unexpected sum")
	}
}
`

func submitOpts(tok string) engine.SubmitOptions {
	return engine.SubmitOptions{
		Content:  sampleTest,
		Filename: "calc_test.go",
		Context:  "Add must return the sum of its operands",
		Token:    tok,
		ActorID:  "tester",
	}
}

func TestFullPipeline(t *testing.T) {
	env := newTestEnv(t, approveAll)

	res, err := env.Engine.SubmitDesign(env.Ctx, submitOpts(""))
	if err != nil {
		t.Fatalf("design: %v", err)
	}
	if res.NextToken == "" {
		t.Fatal("design approval must issue a token")
	}
	if res.Record.CurrentStage != domain.StageDesign || res.Record.Status != domain.StatusApproved {
		t.Fatalf("after design: %s/%s", res.Record.CurrentStage, res.Record.Status)
	}

	res, err = env.Engine.SubmitImplementation(env.Ctx, submitOpts(res.NextToken))
	if err != nil {
		t.Fatalf("implementation: %v", err)
	}
	res, err = env.Engine.SubmitBreaking(env.Ctx, submitOpts(res.NextToken))
	if err != nil {
		t.Fatalf("breaking: %v", err)
	}
	res, err = env.Engine.SubmitApproval(env.Ctx, submitOpts(res.NextToken))
	if err != nil {
		t.Fatalf("approval: %v", err)
	}
	if res.Record.CurrentStage != domain.StageCompleted || res.Record.Status != domain.StatusApproved {
		t.Fatalf("final record: %s/%s", res.Record.CurrentStage, res.Record.Status)
	}

	cred, err := env.Engine.Repo.GetApprovalCredential(env.Ctx, res.Fingerprint)
	if err != nil {
		t.Fatalf("approval credential: %v", err)
	}
	if cred.Status != "VALID" || cred.Credential != res.NextToken {
		t.Fatalf("credential %+v", cred)
	}
	if cred.ApproverID != "tester" {
		t.Fatalf("approver %q", cred.ApproverID)
	}
}

func TestUsedTokenRejected(t *testing.T) {
	env := newTestEnv(t, approveAll)
	res, err := env.Engine.SubmitDesign(env.Ctx, submitOpts(""))
	if err != nil {
		t.Fatal(err)
	}
	designToken := res.NextToken
	if _, err := env.Engine.SubmitImplementation(env.Ctx, submitOpts(designToken)); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	// The design token was consumed by the successful advance.
	_, err = env.Engine.SubmitImplementation(env.Ctx, submitOpts(designToken))
	if fault.ReasonOf(err) != fault.ReasonTokenUsed {
		t.Fatalf("expected used-token rejection, got %v", err)
	}
}

func TestFingerprintMismatch(t *testing.T) {
	env := newTestEnv(t, approveAll)
	res, err := env.Engine.SubmitDesign(env.Ctx, submitOpts(""))
	if err != nil {
		t.Fatal(err)
	}
	opts := submitOpts(res.NextToken)
	opts.Content = strings.Replace(sampleTest, "Add(1, 2)", "Add(2, 2)", 1)
	_, err = env.Engine.SubmitImplementation(env.Ctx, opts)
	if fault.ReasonOf(err) != fault.ReasonFingerprintMismatch {
		t.Fatalf("want fingerprint mismatch, got %v", err)
	}
}

func TestTokenGate(t *testing.T) {
	env := newTestEnv(t, approveAll)
	if _, err := env.Engine.SubmitDesign(env.Ctx, submitOpts("")); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.SubmitImplementation(env.Ctx, submitOpts(""))
	if fault.ReasonOf(err) != fault.ReasonTokenMissing {
		t.Fatalf("missing token: got %v", err)
	}

	_, err = env.Engine.SubmitImplementation(env.Ctx, submitOpts("not.a.token"))
	if fault.KindOf(err) != fault.Unauthorized {
		t.Fatalf("garbage token: got %v", err)
	}
}

func TestInputValidationBeforeToken(t *testing.T) {
	env := newTestEnv(t, approveAll)
	opts := submitOpts("garbage-token-never-inspected")
	opts.Content = ""
	_, err := env.Engine.SubmitImplementation(env.Ctx, opts)
	if fault.KindOf(err) != fault.InputValidation {
		t.Fatalf("want input validation fault, got %v", err)
	}
}

func TestRejectionRetriesThenFails(t *testing.T) {
	env := newTestEnv(t, func(oracle.Request) oracle.Assessment {
		return oracle.Assessment{Verdict: oracle.VerdictRejected, Rationale: "not convincing"}
	})
	env.Engine.Config.Workflow.MaxAttemptsPerStage = 2

	var fp string
	for i := 0; i < 2; i++ {
		res, err := env.Engine.SubmitDesign(env.Ctx, submitOpts(""))
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if res.Record.Status != domain.StatusRejected || res.NextToken != "" {
			t.Fatalf("attempt %d: %s token=%q", i+1, res.Record.Status, res.NextToken)
		}
		fp = res.Fingerprint
	}

	if _, err := env.Engine.SubmitDesign(env.Ctx, submitOpts("")); fault.ReasonOf(err) != "max_attempts_exhausted" {
		t.Fatalf("want exhaustion, got %v", err)
	}
	rec, err := env.Engine.Repo.GetArtifact(env.Ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CurrentStage != domain.StageFailed {
		t.Fatalf("artifact should be failed, is %s", rec.CurrentStage)
	}
}

func TestNeedsRevisionIssuesNoToken(t *testing.T) {
	env := newTestEnv(t, func(oracle.Request) oracle.Assessment {
		return oracle.Assessment{Verdict: oracle.VerdictNeedsRevision, Rationale: "thin coverage"}
	})
	res, err := env.Engine.SubmitDesign(env.Ctx, submitOpts(""))
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Status != domain.StatusPending || res.NextToken != "" {
		t.Fatalf("pending submission must not mint a token: %s token=%q", res.Record.Status, res.NextToken)
	}
}

type failingIssuer struct {
	engine.TokenManager
}

func (failingIssuer) IssueTx(context.Context, *sql.Tx, string, domain.Stage, time.Duration, map[string]string, string) (string, error) {
	return "", errors.New("hsm offline")
}

func TestAdvanceRollsBackWhenIssuanceFails(t *testing.T) {
	env := newTestEnv(t, approveAll)
	res, err := env.Engine.SubmitDesign(env.Ctx, submitOpts(""))
	if err != nil {
		t.Fatal(err)
	}

	broken := env.Engine
	broken.Tokens = failingIssuer{TokenManager: env.Tokens}
	if _, err := broken.SubmitImplementation(env.Ctx, submitOpts(res.NextToken)); err == nil {
		t.Fatal("expected issuance failure to surface")
	}

	rec, err := env.Engine.Repo.GetArtifact(env.Ctx, res.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CurrentStage != domain.StageDesign {
		t.Fatalf("stage must not advance on rollback, got %s", rec.CurrentStage)
	}
	transitions, err := env.Engine.Repo.ListTransitions(env.Ctx, res.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 1 {
		t.Fatalf("rolled-back attempt must leave no transition row, have %d", len(transitions))
	}
	// The design token survives the rollback and still works.
	if _, err := env.Engine.SubmitImplementation(env.Ctx, submitOpts(res.NextToken)); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
}

func TestConcurrentAdvanceSingleWinner(t *testing.T) {
	env := newTestEnv(t, approveAll)
	res, err := env.Engine.SubmitDesign(env.Ctx, submitOpts(""))
	if err != nil {
		t.Fatal(err)
	}

	const workers = 4
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.SubmitImplementation(env.Ctx, submitOpts(res.NextToken))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if k := fault.KindOf(err); k != fault.Conflict && k != fault.Unauthorized {
			t.Fatalf("loser got unexpected fault: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("want exactly one winner, got %d", wins)
	}

	rec, err := env.Engine.Repo.GetArtifact(env.Ctx, res.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CurrentStage != domain.StageImplementation {
		t.Fatalf("artifact at %s", rec.CurrentStage)
	}
}

func TestSubmitFailsFastWhenPoolSaturated(t *testing.T) {
	conn, err := db.Open(db.Config{
		Workspace:      t.TempDir(),
		MaxConns:       1,
		AcquireTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mgr, err := token.NewManager(token.Config{
		Secret: "test-secret",
		Store:  repo.Repo{DB: conn.DB},
	})
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(conn, config.Default(), mgr, scriptedAssessor{fn: approveAll})
	ctx := context.Background()

	held, err := conn.DB.Conn(ctx)
	if err != nil {
		t.Fatalf("hold the only connection: %v", err)
	}

	start := time.Now()
	_, err = eng.SubmitDesign(ctx, submitOpts(""))
	if fault.KindOf(err) != fault.Timeout {
		t.Fatalf("want timeout fault on saturated pool, got %v", err)
	}
	if fault.ReasonOf(err) != "pool_acquire_timeout" {
		t.Fatalf("reason %q", fault.ReasonOf(err))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("submission took %v to time out", elapsed)
	}

	held.Close()
	if _, err := eng.SubmitDesign(ctx, submitOpts("")); err != nil {
		t.Fatalf("submission after release: %v", err)
	}
}

func TestOracleFallbackHeuristic(t *testing.T) {
	env := newTestEnv(t, approveAll)
	env.Engine.Oracle = oracle.NewHTTPAssessor("http://127.0.0.1:1") // unreachable
	res, err := env.Engine.SubmitDesign(env.Ctx, submitOpts(""))
	if err != nil {
		t.Fatalf("oracle outage must not fail the submission: %v", err)
	}
	// sampleTest contains assertions and requirements context, so the
	// heuristic approves.
	if res.Verdict != oracle.VerdictApproved {
		t.Fatalf("heuristic verdict %q", res.Verdict)
	}
}
