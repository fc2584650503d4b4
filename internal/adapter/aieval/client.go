// Package aieval talks to the external AI evaluation collaborator. The
// collaborator reviews an incident's evidence and returns a confidence
// verdict with a recommended action; it advises the scorer and lifecycle
// manager but never mutates incident state itself.
package aieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/couchcryptid/disaster-incident-service/internal/domain"
	"github.com/couchcryptid/disaster-incident-service/internal/observability"
)

// Client implements scoring.Evaluator against an HTTP evaluation endpoint.
// Every call is rate limited and bounded by a per-request timeout; any
// failure surfaces as ErrScoringUnavailable so callers degrade to the
// rule-based score instead of stalling the pipeline.
type Client struct {
	endpoint string
	token    string
	timeout  time.Duration
	client   *http.Client
	limiter  *rate.Limiter
	metrics  *observability.Metrics
}

// NewClient creates an evaluation client. ratePerSec caps outbound request
// rate; timeout bounds each individual call.
func NewClient(endpoint, token string, timeout time.Duration, ratePerSec float64, metrics *observability.Metrics) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), 1),
		metrics:  metrics,
	}
}

type evaluateRequest struct {
	IncidentID      string           `json:"incident_id"`
	EventType       string           `json:"event_type"`
	City            string           `json:"city,omitempty"`
	Centroid        domain.Geo       `json:"centroid"`
	ConfidenceScore float64          `json:"confidence_score"`
	Status          domain.Status    `json:"status"`
	Signals         []evidenceSignal `json:"signals"`
}

type evidenceSignal struct {
	Source    string     `json:"source"`
	Text      string     `json:"text"`
	Geo       domain.Geo `json:"geo"`
	CreatedAt time.Time  `json:"created_at"`
}

type evaluateResponse struct {
	ConfidenceScore   float64 `json:"confidence_score"`
	Consistency       string  `json:"consistency_assessment"`
	RecommendedAction string  `json:"recommended_action"`
	Explanation       string  `json:"explanation"`
}

// Evaluate submits the incident's evidence for an external verdict. Errors
// are always wrapped in domain.ErrScoringUnavailable.
func (c *Client) Evaluate(ctx context.Context, inc domain.Incident, signals []domain.Signal) (domain.Evaluation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Evaluation{}, fmt.Errorf("%w: rate limiter: %v", domain.ErrScoringUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	eval, err := c.evaluate(ctx, inc, signals)
	c.metrics.AIEvalDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		c.metrics.AIEvalRequests.WithLabelValues("success").Inc()
		return eval, nil
	case ctx.Err() != nil:
		c.metrics.AIEvalRequests.WithLabelValues("timeout").Inc()
		return domain.Evaluation{}, fmt.Errorf("%w: %v", domain.ErrScoringUnavailable, ctx.Err())
	default:
		c.metrics.AIEvalRequests.WithLabelValues("error").Inc()
		return domain.Evaluation{}, fmt.Errorf("%w: %v", domain.ErrScoringUnavailable, err)
	}
}

func (c *Client) evaluate(ctx context.Context, inc domain.Incident, signals []domain.Signal) (domain.Evaluation, error) {
	reqBody := evaluateRequest{
		IncidentID:      inc.ID,
		EventType:       inc.EventType,
		City:            inc.City,
		Centroid:        inc.Centroid,
		ConfidenceScore: inc.ConfidenceScore,
		Status:          inc.Status,
		Signals:         make([]evidenceSignal, 0, len(signals)),
	}
	for _, s := range signals {
		reqBody.Signals = append(reqBody.Signals, evidenceSignal{
			Source:    s.Source,
			Text:      s.Text,
			Geo:       s.Geo,
			CreatedAt: s.CreatedAt,
		})
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Evaluation{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Evaluation{}, fmt.Errorf("evaluation API status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var out evaluateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.Evaluation{}, fmt.Errorf("parse response: %w", err)
	}
	if out.ConfidenceScore < 0 || out.ConfidenceScore > 1 {
		return domain.Evaluation{}, fmt.Errorf("confidence score %v out of range", out.ConfidenceScore)
	}

	return domain.Evaluation{
		IncidentID:        inc.ID,
		ConfidenceScore:   out.ConfidenceScore,
		Consistency:       parseConsistency(out.Consistency),
		RecommendedAction: parseAction(out.RecommendedAction),
		Explanation:       out.Explanation,
		RawResponse:       body,
	}, nil
}

func parseConsistency(s string) domain.Consistency {
	switch domain.Consistency(s) {
	case domain.ConsistencyStrong, domain.ConsistencyModerate, domain.ConsistencyWeak:
		return domain.Consistency(s)
	default:
		return domain.ConsistencyWeak
	}
}

func parseAction(s string) domain.RecommendedAction {
	switch domain.RecommendedAction(s) {
	case domain.ActionAlert, domain.ActionMonitor, domain.ActionNone:
		return domain.RecommendedAction(s)
	default:
		return domain.ActionNone
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
