package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"testgate/internal/config"
	"testgate/internal/db"
	"testgate/internal/domain"
	"testgate/internal/events"
	"testgate/internal/fault"
	"testgate/internal/fingerprint"
	"testgate/internal/oracle"
	"testgate/internal/repo"
)

// TokenManager is the credential surface the orchestrator depends on.
// *token.Manager implements it.
type TokenManager interface {
	IssueTx(ctx context.Context, tx *sql.Tx, fingerprint string, stage domain.Stage, ttl time.Duration, metadata map[string]string, principal string) (string, error)
	MarkUsedTx(ctx context.Context, tx *sql.Tx, token, action, actor string) error
	Decode(token string) (domain.TokenPayload, error)
	Check(ctx context.Context, token, expectedFingerprint string, expectedStage domain.Stage) error
}

// Engine is the only component allowed to advance an artifact's stage. All
// collaborators are injected once at construction; there is no ambient
// state.
type Engine struct {
	Pool   *db.DB
	Repo   repo.Repo
	Events events.Writer
	Prints *fingerprint.Fingerprinter
	Tokens TokenManager
	Oracle oracle.Assessor
	Config *config.Config
	Now    func() time.Time
}

func New(pool *db.DB, cfg *config.Config, tokens TokenManager, assessor oracle.Assessor) Engine {
	return Engine{
		Pool:   pool,
		Repo:   repo.Repo{DB: pool.DB},
		Events: events.Writer{},
		Prints: fingerprint.New(nil),
		Tokens: tokens,
		Oracle: assessor,
		Config: cfg,
		Now:    time.Now,
	}
}

// withStorage runs fn on a repo scoped to one pooled connection, so a
// submission blocked on a saturated pool fails fast with a timeout fault
// instead of queueing indefinitely.
func (e Engine) withStorage(ctx context.Context, fn func(r repo.Repo) error) error {
	if e.Pool == nil {
		return fn(e.Repo)
	}
	return e.Pool.WithConn(ctx, func(conn *sql.Conn) error {
		return fn(repo.Repo{DB: conn})
	})
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) maxAttempts() int {
	if e.Config != nil && e.Config.Workflow.MaxAttemptsPerStage > 0 {
		return e.Config.Workflow.MaxAttemptsPerStage
	}
	return 3
}

func (e Engine) tokenTTL() time.Duration {
	if e.Config != nil && e.Config.Tokens.TTL > 0 {
		return e.Config.Tokens.TTL
	}
	return 7 * 24 * time.Hour
}

// SubmitOptions are the inputs for one stage submission.
type SubmitOptions struct {
	Content  string
	Filename string
	// Context carries the stage's requirements or breaking scenarios,
	// forwarded to the analysis oracle.
	Context string
	// Token is the predecessor stage's credential. Unused for design.
	Token   string
	ActorID string
	// Method selects the fingerprint derivation; empty means content.
	Method   fingerprint.Method
	Metadata map[string]string
}

// SubmitResult is returned to the caller after a stage submission.
type SubmitResult struct {
	Fingerprint string            `json:"fingerprint"`
	Verdict     string            `json:"verdict"`
	Analysis    oracle.Assessment `json:"analysis"`
	NextToken   string            `json:"next_token,omitempty"`
	Record      domain.ArtifactRecord
}

// SubmitDesign starts the pipeline for an artifact. No token is required;
// the artifact record is created on first submission.
func (e Engine) SubmitDesign(ctx context.Context, opts SubmitOptions) (SubmitResult, error) {
	return e.submit(ctx, domain.StageDesign, opts)
}

// SubmitImplementation advances design → implementation, gated by the
// design token.
func (e Engine) SubmitImplementation(ctx context.Context, opts SubmitOptions) (SubmitResult, error) {
	return e.submit(ctx, domain.StageImplementation, opts)
}

// SubmitBreaking advances implementation → breaking, gated by the
// implementation token.
func (e Engine) SubmitBreaking(ctx context.Context, opts SubmitOptions) (SubmitResult, error) {
	return e.submit(ctx, domain.StageBreaking, opts)
}

// SubmitApproval finishes the pipeline. On an approved verdict the artifact
// moves to completed and the approval credential is persisted as a
// first-class record in the same transaction.
func (e Engine) SubmitApproval(ctx context.Context, opts SubmitOptions) (SubmitResult, error) {
	return e.submit(ctx, domain.StageApproval, opts)
}

func (e Engine) submit(ctx context.Context, stage domain.Stage, opts SubmitOptions) (SubmitResult, error) {
	// Step 1: local input validation, before any token or storage access.
	if opts.Content == "" {
		return SubmitResult{}, fault.New(fault.InputValidation, "content_required", "artifact content is required")
	}
	if opts.Filename == "" {
		return SubmitResult{}, fault.New(fault.InputValidation, "filename_required", "filename is required")
	}
	if opts.ActorID == "" {
		return SubmitResult{}, fault.New(fault.InputValidation, "actor_required", "actor id is required")
	}

	fp, err := e.Prints.Fingerprint(opts.Content, opts.Filename, opts.Method)
	if err != nil {
		return SubmitResult{}, err
	}

	prev := previousStage(stage)

	// Steps 2-3: the token gate. Decode first so a token bound to a
	// different artifact reports a precise mismatch rather than a generic
	// validity failure.
	if stage != domain.StageDesign {
		if opts.Token == "" {
			return SubmitResult{}, fault.New(fault.Unauthorized, fault.ReasonTokenMissing, "%s token is required", prev)
		}
		payload, err := e.Tokens.Decode(opts.Token)
		if err != nil {
			return SubmitResult{}, err
		}
		if payload.Fingerprint != fp {
			return SubmitResult{}, fault.New(fault.Unauthorized, fault.ReasonFingerprintMismatch,
				"token is bound to a different artifact")
		}
		if err := e.Tokens.Check(ctx, opts.Token, fp, prev); err != nil {
			return SubmitResult{}, err
		}
	}

	// Steps 4-7 share one scoped connection, acquired under the pool's
	// fail-fast timeout.
	var result SubmitResult
	err = e.withStorage(ctx, func(r repo.Repo) error {
		res, err := e.advance(ctx, r, stage, prev, fp, opts)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

func (e Engine) advance(ctx context.Context, r repo.Repo, stage, prev domain.Stage, fp string, opts SubmitOptions) (SubmitResult, error) {
	// Step 4: load persisted state and decide whether this submission is a
	// first attempt, a retry, or a forward advance.
	record, err := r.GetArtifact(ctx, fp)
	creating := false
	if err != nil {
		if err != repo.ErrNotFound {
			return SubmitResult{}, err
		}
		if stage != domain.StageDesign {
			return SubmitResult{}, fault.New(fault.NotFound, "artifact_not_found", "no artifact record for fingerprint %s", fp)
		}
		creating = true
	}
	if !creating {
		if err := e.checkProgression(record, stage, prev); err != nil {
			return SubmitResult{}, err
		}
	}

	// Exhausted stages fail closed before consulting the oracle.
	attempts, err := r.CountAttempts(ctx, fp, stage)
	if err != nil {
		return SubmitResult{}, err
	}
	if !creating && attempts >= e.maxAttempts() {
		if failErr := e.failArtifact(ctx, r, record, stage, opts.ActorID); failErr != nil {
			return SubmitResult{}, failErr
		}
		return SubmitResult{}, fault.New(fault.Conflict, "max_attempts_exhausted",
			"stage %s exhausted %d attempts; artifact marked failed", stage, attempts)
	}

	// Step 5: the oracle verdict, with local fallback on unavailability.
	assessment := e.assess(ctx, stage, opts)
	status := statusForVerdict(assessment.Verdict)

	nowStr := e.now().UTC().Format(time.RFC3339)
	target := stage
	if stage == domain.StageApproval && status == domain.StatusApproved {
		target = domain.StageCompleted
	}

	// Steps 6-7: one transaction covering the record update, the audit
	// trail, credential persistence and next-token issuance. Any failure
	// rolls the whole advance back.
	var nextToken string
	err = r.WithTx(ctx, func(tx *sql.Tx) error {
		if creating {
			md, _ := json.Marshal(fingerprint.ExtractMetadata(opts.Content, opts.Filename))
			rec := domain.ArtifactRecord{
				Fingerprint:  fp,
				Filename:     opts.Filename,
				CurrentStage: target,
				Status:       status,
				Analysis:     assessment.Rationale,
				Metadata:     string(md),
				Content:      opts.Content,
				CreatedAt:    nowStr,
				UpdatedAt:    nowStr,
			}
			if err := r.InsertArtifact(ctx, tx, rec); err != nil {
				return err
			}
			record = rec
			if err := e.Events.Append(ctx, tx, "artifact.created", fp, opts.ActorID, events.EventPayload{
				"filename": opts.Filename,
				"stage":    string(target),
			}); err != nil {
				return err
			}
		} else {
			if err := r.UpdateArtifactStage(ctx, tx, fp, record.CurrentStage, target, status, assessment.Rationale, nowStr); err != nil {
				return err
			}
		}

		// Re-count inside the transaction so racing submissions cannot
		// claim the same attempt number; the UNIQUE index backstops it.
		n, err := r.CountAttemptsTx(ctx, tx, fp, stage)
		if err != nil {
			return err
		}
		transition := domain.StageTransition{
			Fingerprint: fp,
			Stage:       stage,
			Attempt:     n + 1,
			Result:      status,
			ValidatorID: opts.ActorID,
			Feedback:    assessment.Rationale,
			ValidatedAt: nowStr,
		}
		if err := r.InsertTransition(ctx, tx, transition); err != nil {
			return err
		}

		evtType := "stage.rejected"
		if status == domain.StatusApproved {
			evtType = "stage.advanced"
		}
		if err := e.Events.Append(ctx, tx, evtType, fp, opts.ActorID, events.EventPayload{
			"stage":   string(stage),
			"attempt": n + 1,
			"verdict": assessment.Verdict,
		}); err != nil {
			return err
		}

		if status != domain.StatusApproved {
			return nil
		}

		// Only an approved verdict consumes the predecessor token and
		// mints the next one; rejected attempts keep the old token alive
		// for retries.
		if stage != domain.StageDesign {
			if err := e.Tokens.MarkUsedTx(ctx, tx, opts.Token, "advance:"+string(stage), opts.ActorID); err != nil {
				return err
			}
		}
		issued, err := e.Tokens.IssueTx(ctx, tx, fp, stage, e.tokenTTL(), opts.Metadata, opts.ActorID)
		if err != nil {
			return err
		}
		nextToken = issued

		if stage == domain.StageApproval {
			cred := domain.ApprovalCredential{
				ID:          uuid.NewString(),
				Fingerprint: fp,
				Credential:  issued,
				ApproverID:  opts.ActorID,
				Status:      "VALID",
				CreatedAt:   nowStr,
			}
			if err := r.InsertApprovalCredential(ctx, tx, cred); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "approval.granted", fp, opts.ActorID, events.EventPayload{
				"credential_id": cred.ID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	record.CurrentStage = target
	record.Status = status
	record.Analysis = assessment.Rationale
	record.UpdatedAt = nowStr
	return SubmitResult{
		Fingerprint: fp,
		Verdict:     assessment.Verdict,
		Analysis:    assessment,
		NextToken:   nextToken,
		Record:      record,
	}, nil
}

// checkProgression enforces the stage order against persisted state. A
// submission is either a retry of the artifact's current stage (previous
// verdict not approved) or a forward step from an APPROVED predecessor.
// PENDING at the predecessor does not authorize an advance.
func (e Engine) checkProgression(record domain.ArtifactRecord, stage, prev domain.Stage) error {
	if record.CurrentStage.Terminal() {
		return fault.New(fault.Conflict, "artifact_terminal", "artifact is already %s", record.CurrentStage)
	}
	if record.CurrentStage == stage {
		if record.Status == domain.StatusApproved {
			return fault.New(fault.Conflict, "stage_already_approved", "stage %s already approved", stage)
		}
		return nil
	}
	if record.CurrentStage == prev {
		if record.Status != domain.StatusApproved {
			return fault.New(fault.Unauthorized, fault.ReasonTokenInvalid,
				"stage %s verdict is %s; only an approved predecessor authorizes %s", prev, record.Status, stage)
		}
		return nil
	}
	return fault.New(fault.Conflict, "stage_out_of_order",
		"artifact is at stage %s; cannot submit %s", record.CurrentStage, stage)
}


func (e Engine) failArtifact(ctx context.Context, r repo.Repo, record domain.ArtifactRecord, stage domain.Stage, actorID string) error {
	nowStr := e.now().UTC().Format(time.RFC3339)
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.UpdateArtifactStage(ctx, tx, record.Fingerprint, record.CurrentStage, domain.StageFailed, domain.StatusRejected,
			fmt.Sprintf("stage %s exhausted the configured attempt budget", stage), nowStr); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "artifact.failed", record.Fingerprint, actorID, events.EventPayload{
			"stage": string(stage),
		})
	})
}

// assess invokes the analysis oracle, falling back to the local heuristic
// when it is unreachable. Oracle unavailability degrades quality, not
// availability.
func (e Engine) assess(ctx context.Context, stage domain.Stage, opts SubmitOptions) oracle.Assessment {
	req := oracle.Request{
		Content:  opts.Content,
		Filename: opts.Filename,
		Stage:    stage,
	}
	switch stage {
	case domain.StageBreaking:
		req.Scenarios = opts.Context
	default:
		req.Requirements = opts.Context
	}
	if e.Oracle != nil {
		if res, err := e.Oracle.Assess(ctx, req); err == nil {
			return res
		}
	}
	res, _ := oracle.Heuristic{}.Assess(ctx, req)
	return res
}

func previousStage(stage domain.Stage) domain.Stage {
	switch stage {
	case domain.StageImplementation:
		return domain.StageDesign
	case domain.StageBreaking:
		return domain.StageImplementation
	case domain.StageApproval:
		return domain.StageBreaking
	}
	return ""
}

func statusForVerdict(verdict string) domain.Status {
	switch verdict {
	case oracle.VerdictApproved:
		return domain.StatusApproved
	case oracle.VerdictRejected:
		return domain.StatusRejected
	default:
		return domain.StatusPending
	}
}
