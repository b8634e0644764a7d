package domain

// Stage is one ordered step in the approval pipeline.
type Stage string

const (
	StageDesign         Stage = "design"
	StageImplementation Stage = "implementation"
	StageBreaking       Stage = "breaking"
	StageApproval       Stage = "approval"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
)

var stageOrder = map[Stage]int{
	StageDesign:         0,
	StageImplementation: 1,
	StageBreaking:       2,
	StageApproval:       3,
	StageCompleted:      4,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	if s == StageFailed {
		return true
	}
	_, ok := stageOrder[s]
	return ok
}

// Ordinal returns the stage position in the pipeline, or -1 for failed/unknown.
func (s Stage) Ordinal() int {
	if n, ok := stageOrder[s]; ok {
		return n
	}
	return -1
}

// Next returns the stage that follows s. Approval leads to completed;
// completed and failed are terminal and return themselves.
func (s Stage) Next() Stage {
	switch s {
	case StageDesign:
		return StageImplementation
	case StageImplementation:
		return StageBreaking
	case StageBreaking:
		return StageApproval
	case StageApproval:
		return StageCompleted
	}
	return s
}

// Terminal reports whether no further transition can leave s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Status reflects the last stage's verdict on an artifact.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// ArtifactRecord is the persisted workflow state for one test artifact,
// keyed by its content fingerprint.
type ArtifactRecord struct {
	Fingerprint  string `json:"fingerprint"`
	Filename     string `json:"filename"`
	CurrentStage Stage  `json:"current_stage" enum:"design,implementation,breaking,approval,completed,failed"`
	Status       Status `json:"status" enum:"PENDING,APPROVED,REJECTED,EXPIRED"`
	Analysis     string `json:"analysis,omitempty"`
	Metadata     string `json:"metadata,omitempty"`
	Content      string `json:"content,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// StageTransition is one append-only audit row per attempted transition.
type StageTransition struct {
	ID          int64  `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Stage       Stage  `json:"stage"`
	Attempt     int    `json:"attempt"`
	Result      Status `json:"result" enum:"PENDING,APPROVED,REJECTED,EXPIRED"`
	ValidatorID string `json:"validator_id"`
	Feedback    string `json:"feedback,omitempty"`
	ValidatedAt string `json:"validated_at" format:"date-time"`
}

// TokenPayload is the signed body of a stage credential.
type TokenPayload struct {
	Fingerprint string            `json:"fingerprint"`
	Stage       Stage             `json:"stage"`
	Nonce       string            `json:"nonce"`
	IssuedAt    string            `json:"issued_at" format:"date-time"`
	ExpiresAt   string            `json:"expires_at" format:"date-time"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// TokenRecord mirrors an issued token in storage so revocation and cleanup
// survive restarts. The raw token string is the key; no secret material is
// stored with it.
type TokenRecord struct {
	Token       string `json:"token"`
	Fingerprint string `json:"fingerprint"`
	Stage       Stage  `json:"stage"`
	Revoked     bool   `json:"revoked"`
	IssuedAt    string `json:"issued_at" format:"date-time"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
}

// TokenUsage is the write-once consumption ledger entry for a token.
type TokenUsage struct {
	Token  string `json:"token"`
	Action string `json:"action"`
	Actor  string `json:"actor"`
	UsedAt string `json:"used_at" format:"date-time"`
}

// ApprovalCredential is the first-class record persisted when an artifact
// passes the approval stage.
type ApprovalCredential struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Credential  string `json:"credential"`
	ApproverID  string `json:"approver_id"`
	Status      string `json:"status" enum:"VALID,REVOKED"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Event is one audit log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}
