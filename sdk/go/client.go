package testgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal TestGate HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Submission carries a stage submission.
type Submission struct {
	Content  string            `json:"content"`
	Filename string            `json:"filename"`
	Context  string            `json:"context,omitempty"`
	Token    string            `json:"token,omitempty"`
	Method   string            `json:"method,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Analysis is the oracle's assessment.
type Analysis struct {
	Verdict         string   `json:"verdict"`
	Rationale       string   `json:"rationale,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// SubmitResult is the server's answer to a stage submission.
type SubmitResult struct {
	Fingerprint string   `json:"fingerprint"`
	Stage       string   `json:"stage"`
	Status      string   `json:"status"`
	Verdict     string   `json:"verdict"`
	NextToken   string   `json:"next_token,omitempty"`
	Analysis    Analysis `json:"analysis"`
}

// Artifact is the API artifact model.
type Artifact struct {
	Fingerprint  string          `json:"fingerprint"`
	Filename     string          `json:"filename"`
	CurrentStage string          `json:"current_stage"`
	Status       string          `json:"status"`
	Analysis     string          `json:"analysis,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

// Transition is one audit trail row.
type Transition struct {
	ID          int64  `json:"id"`
	Stage       string `json:"stage"`
	Attempt     int    `json:"attempt"`
	Result      string `json:"result"`
	ValidatorID string `json:"validator_id"`
	Feedback    string `json:"feedback,omitempty"`
	ValidatedAt string `json:"validated_at"`
}

// Credential is a persisted approval credential.
type Credential struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Credential  string `json:"credential"`
	ApproverID  string `json:"approver_id"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitDesign starts the pipeline for an artifact.
func (c *Client) SubmitDesign(ctx context.Context, s Submission) (SubmitResult, error) {
	return c.submit(ctx, "design", s)
}

// SubmitImplementation advances to the implementation stage.
func (c *Client) SubmitImplementation(ctx context.Context, s Submission) (SubmitResult, error) {
	return c.submit(ctx, "implementation", s)
}

// SubmitBreaking advances to the breaking stage.
func (c *Client) SubmitBreaking(ctx context.Context, s Submission) (SubmitResult, error) {
	return c.submit(ctx, "breaking", s)
}

// SubmitApproval requests final approval.
func (c *Client) SubmitApproval(ctx context.Context, s Submission) (SubmitResult, error) {
	return c.submit(ctx, "approval", s)
}

func (c *Client) submit(ctx context.Context, stage string, s Submission) (SubmitResult, error) {
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "v0/artifacts/"+stage, s, &resp)
	return resp, err
}

// GetArtifact fetches an artifact by fingerprint.
func (c *Client) GetArtifact(ctx context.Context, fingerprint string) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodGet, "v0/artifacts/"+url.PathEscape(fingerprint), nil, &resp)
	return resp, err
}

// ListTransitions fetches an artifact's audit trail.
func (c *Client) ListTransitions(ctx context.Context, fingerprint string) ([]Transition, error) {
	var resp []Transition
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/artifacts/%s/transitions", url.PathEscape(fingerprint)), nil, &resp)
	return resp, err
}

// GetApprovalCredential fetches the approval credential for a completed
// artifact.
func (c *Client) GetApprovalCredential(ctx context.Context, fingerprint string) (Credential, error) {
	var resp Credential
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/artifacts/%s/approval", url.PathEscape(fingerprint)), nil, &resp)
	return resp, err
}

// RevokeToken permanently invalidates a stage token.
func (c *Client) RevokeToken(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "v0/tokens/revoke", map[string]string{"token": token}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
