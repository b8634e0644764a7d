package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"testgate/internal/domain"
)

// Verdict values returned by the analysis oracle.
const (
	VerdictApproved      = "approved"
	VerdictRejected      = "rejected"
	VerdictNeedsRevision = "needs_revision"
)

// Request carries the artifact plus the context the oracle judges it
// against.
type Request struct {
	Content      string       `json:"content"`
	Filename     string       `json:"filename"`
	Stage        domain.Stage `json:"stage"`
	Requirements string       `json:"requirements,omitempty"`
	Scenarios    string       `json:"scenarios,omitempty"`
	PriorContext string       `json:"prior_context,omitempty"`
}

// Assessment is the oracle's judgment of one stage submission.
type Assessment struct {
	Verdict         string   `json:"verdict" enum:"approved,rejected,needs_revision"`
	Rationale       string   `json:"rationale"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Assessor judges whether an artifact meets a stage's bar. Implementations
// live outside the engine; unavailability must be recoverable.
type Assessor interface {
	Assess(ctx context.Context, req Request) (Assessment, error)
}

// HTTPAssessor calls an external analysis service over HTTP.
type HTTPAssessor struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTPAssessor(baseURL string) *HTTPAssessor {
	return &HTTPAssessor{BaseURL: baseURL, Timeout: 60 * time.Second}
}

func (a *HTTPAssessor) client() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: a.Timeout}
}

func (a *HTTPAssessor) Assess(ctx context.Context, req Request) (Assessment, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Assessment{}, err
	}
	url := strings.TrimRight(a.BaseURL, "/") + "/assess"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Assessment{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.APIKey)
	}
	res, err := a.client().Do(httpReq)
	if err != nil {
		return Assessment{}, fmt.Errorf("oracle request: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Assessment{}, err
	}
	if res.StatusCode != http.StatusOK {
		return Assessment{}, fmt.Errorf("oracle status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out Assessment
	if err := json.Unmarshal(body, &out); err != nil {
		return Assessment{}, fmt.Errorf("oracle response: %w", err)
	}
	switch out.Verdict {
	case VerdictApproved, VerdictRejected, VerdictNeedsRevision:
	default:
		return Assessment{}, fmt.Errorf("oracle returned unknown verdict %q", out.Verdict)
	}
	return out, nil
}

// Heuristic is the local fallback used when the oracle is unreachable. It
// degrades quality, not availability: a submission with test-shaped content
// and non-trivial context is approved, everything else needs revision.
type Heuristic struct{}

func (Heuristic) Assess(_ context.Context, req Request) (Assessment, error) {
	content := strings.TrimSpace(req.Content)
	contextText := strings.TrimSpace(req.Requirements + req.Scenarios + req.PriorContext)
	looksLikeTest := strings.Contains(content, "assert") ||
		strings.Contains(content, "t.Fatal") ||
		strings.Contains(content, "t.Error") ||
		strings.Contains(content, "expect")
	if looksLikeTest && len(contextText) > 0 {
		return Assessment{
			Verdict:   VerdictApproved,
			Rationale: "fallback heuristic: content contains assertions and stage context is present; external analysis was unavailable",
		}, nil
	}
	return Assessment{
		Verdict:   VerdictNeedsRevision,
		Rationale: "fallback heuristic: external analysis was unavailable and the submission lacks assertions or stage context",
		Recommendations: []string{
			"resubmit when the analysis service is reachable",
			"include at least one assertion and a non-empty requirements/scenario description",
		},
	}, nil
}
