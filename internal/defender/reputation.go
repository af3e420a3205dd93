package defender

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/sentinel/internal/action"
)

// ReputationClient queries an external URL/file-hash intelligence service.
// It is strictly best-effort: on timeout or any error it emits no signal, so
// a slow or broken upstream can never hold up or poison the pipeline.
type ReputationClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

// reputationResponse is the upstream verdict payload.
type reputationResponse struct {
	Malicious bool   `json:"malicious"`
	Score     int    `json:"score"`
	Label     string `json:"label"`
}

// NewReputationClient returns a client, or nil when no API key is configured
// (the evaluator is optional).
func NewReputationClient(baseURL, apiKey string, timeout time.Duration) *ReputationClient {
	if apiKey == "" || baseURL == "" {
		return nil
	}
	return &ReputationClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Lookup checks the action's payload against the reputation service. Only
// url and file kinds are looked up. The ctx deadline is capped by the
// configured timeout budget.
func (c *ReputationClient) Lookup(ctx context.Context, act *action.Action) []action.RiskSignal {
	if c == nil {
		return nil
	}
	if act.Kind != action.KindURL && act.Kind != action.KindFile {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/reputation?kind=%s&value=%s",
		c.baseURL, act.Kind, url.QueryEscape(act.Payload))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		log.Debug().Err(err).Msg("reputation request build failed, treating as neutral")
		return nil
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("reputation lookup failed, treating as neutral")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Debug().Int("status", resp.StatusCode).Msg("reputation lookup non-200, treating as neutral")
		return nil
	}

	var verdict reputationResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		log.Debug().Err(err).Msg("reputation response decode failed, treating as neutral")
		return nil
	}
	if !verdict.Malicious && verdict.Score <= 0 {
		return nil
	}

	score := verdict.Score
	if score <= 0 {
		score = 50
	}
	label := verdict.Label
	if label == "" {
		label = "flagged by reputation service"
	}
	return []action.RiskSignal{{
		Name:      "reputation",
		Score:     score,
		Rationale: label,
	}}
}
