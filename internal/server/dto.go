package server

import (
	"encoding/json"

	"testgate/internal/domain"
	"testgate/internal/engine"
	"testgate/internal/oracle"
)

// Request payloads

type SubmitRequest struct {
	Content  string            `json:"content"`
	Filename string            `json:"filename"`
	Context  string            `json:"context,omitempty"`
	Token    string            `json:"token,omitempty"`
	Method   string            `json:"method,omitempty" enum:"content,structural"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type RevokeTokenRequest struct {
	Token string `json:"token"`
}

type FingerprintRequest struct {
	Content  string `json:"content"`
	Filename string `json:"filename"`
	Method   string `json:"method,omitempty" enum:"content,structural"`
	Function string `json:"function,omitempty"`
}

// Response payloads

type AnalysisResponse struct {
	Verdict         string   `json:"verdict" enum:"approved,rejected,needs_revision"`
	Rationale       string   `json:"rationale,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

type SubmitResponse struct {
	Fingerprint string           `json:"fingerprint"`
	Stage       string           `json:"stage"`
	Status      string           `json:"status" enum:"PENDING,APPROVED,REJECTED,EXPIRED"`
	Verdict     string           `json:"verdict" enum:"approved,rejected,needs_revision"`
	NextToken   string           `json:"next_token,omitempty"`
	Analysis    AnalysisResponse `json:"analysis"`
}

type ArtifactResponse struct {
	Fingerprint  string          `json:"fingerprint"`
	Filename     string          `json:"filename"`
	CurrentStage string          `json:"current_stage"`
	Status       string          `json:"status"`
	Analysis     string          `json:"analysis,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

type TransitionResponse struct {
	ID          int64  `json:"id"`
	Stage       string `json:"stage"`
	Attempt     int    `json:"attempt"`
	Result      string `json:"result"`
	ValidatorID string `json:"validator_id"`
	Feedback    string `json:"feedback,omitempty"`
	ValidatedAt string `json:"validated_at" format:"date-time"`
}

type CredentialResponse struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Credential  string `json:"credential"`
	ApproverID  string `json:"approver_id"`
	Status      string `json:"status" enum:"VALID,REVOKED"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type FingerprintResponse struct {
	Fingerprint string `json:"fingerprint"`
}

type CleanupResponse struct {
	Purged int `json:"purged"`
}

func submitResponse(res engine.SubmitResult) SubmitResponse {
	return SubmitResponse{
		Fingerprint: res.Fingerprint,
		Stage:       string(res.Record.CurrentStage),
		Status:      string(res.Record.Status),
		Verdict:     res.Verdict,
		NextToken:   res.NextToken,
		Analysis:    analysisResponse(res.Analysis),
	}
}

func analysisResponse(a oracle.Assessment) AnalysisResponse {
	return AnalysisResponse{
		Verdict:         a.Verdict,
		Rationale:       a.Rationale,
		Recommendations: a.Recommendations,
	}
}

func artifactResponse(a domain.ArtifactRecord) ArtifactResponse {
	out := ArtifactResponse{
		Fingerprint:  a.Fingerprint,
		Filename:     a.Filename,
		CurrentStage: string(a.CurrentStage),
		Status:       string(a.Status),
		Analysis:     a.Analysis,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
	if a.Metadata != "" {
		out.Metadata = json.RawMessage(a.Metadata)
	}
	return out
}

func mapArtifacts(items []domain.ArtifactRecord) []ArtifactResponse {
	out := make([]ArtifactResponse, 0, len(items))
	for _, a := range items {
		out = append(out, artifactResponse(a))
	}
	return out
}

func transitionResponse(t domain.StageTransition) TransitionResponse {
	return TransitionResponse{
		ID:          t.ID,
		Stage:       string(t.Stage),
		Attempt:     t.Attempt,
		Result:      string(t.Result),
		ValidatorID: t.ValidatorID,
		Feedback:    t.Feedback,
		ValidatedAt: t.ValidatedAt,
	}
}

func mapTransitions(items []domain.StageTransition) []TransitionResponse {
	out := make([]TransitionResponse, 0, len(items))
	for _, t := range items {
		out = append(out, transitionResponse(t))
	}
	return out
}

func credentialResponse(c domain.ApprovalCredential) CredentialResponse {
	return CredentialResponse{
		ID:          c.ID,
		Fingerprint: c.Fingerprint,
		Credential:  c.Credential,
		ApproverID:  c.ApproverID,
		Status:      c.Status,
		CreatedAt:   c.CreatedAt,
	}
}
