// Package oracle is the advisory market-intelligence client. It asks a
// local LLM endpoint for a market regime call and opportunity scores.
// The oracle is strictly advisory: every call has a short deadline and
// every failure degrades to local heuristics upstream.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarryhill/daytrader/internal/models"
)

// callTimeout bounds every oracle round trip. A slow oracle must never
// stall a funnel cycle.
const callTimeout = 5 * time.Second

// ErrUnavailable is returned for any oracle failure: disabled, timeout,
// transport error or unparseable reply.
var ErrUnavailable = errors.New("oracle unavailable")

// RegimeCall is the oracle's market regime verdict.
type RegimeCall struct {
	Regime     models.MarketRegime `json:"regime"`
	Confidence float64             `json:"confidence"`
}

// Indicators summarizes broad-market state for the regime prompt.
type Indicators struct {
	SPYChangePct5d float64 `json:"spy_change_pct_5d"`
	SPYChangePct1d float64 `json:"spy_change_pct_1d"`
	RealizedVolPct float64 `json:"realized_vol_pct"`
	BreadthRatio   float64 `json:"breadth_ratio"` // advancers / decliners
}

// Client talks to an Ollama-compatible generate endpoint.
type Client struct {
	url    string
	model  string
	http   *http.Client
	logger zerolog.Logger
}

// New creates an oracle client. An empty url yields a disabled client
// whose calls fail fast with ErrUnavailable.
func New(url, model string, logger zerolog.Logger) *Client {
	if model == "" {
		model = "llama3.1:8b"
	}
	return &Client{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		http:   &http.Client{Timeout: callTimeout},
		logger: logger.With().Str("component", "oracle").Logger(),
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool { return c != nil && c.url != "" }

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// generate performs one prompt round trip and returns the raw reply.
func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	if !c.Enabled() {
		return "", ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	payload, err := json.Marshal(generateRequest{
		Model: c.model, Prompt: prompt, Stream: false, Format: "json",
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn().Err(cerr).Msg("failed to close oracle response body")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode reply: %v", ErrUnavailable, err)
	}
	return out.Response, nil
}

// ClassifyRegime asks the oracle for a regime call given broad-market
// indicators.
func (c *Client) ClassifyRegime(ctx context.Context, ind Indicators) (RegimeCall, error) {
	prompt := fmt.Sprintf(`You are a market regime classifier for US equities.
Given: SPY 5-day change %.2f%%, SPY 1-day change %.2f%%, realized volatility %.2f%%, breadth ratio %.2f.
Reply with JSON only: {"regime": one of ["bull_trending","bear_trending","volatile","range_bound","low_volatility"], "confidence": 0..1}`,
		ind.SPYChangePct5d, ind.SPYChangePct1d, ind.RealizedVolPct, ind.BreadthRatio)

	reply, err := c.generate(ctx, prompt)
	if err != nil {
		return RegimeCall{}, err
	}
	var call RegimeCall
	if err := json.Unmarshal([]byte(extractJSON(reply)), &call); err != nil {
		return RegimeCall{}, fmt.Errorf("%w: parse regime call: %v", ErrUnavailable, err)
	}
	if !validRegime(call.Regime) || call.Confidence < 0 || call.Confidence > 1 {
		return RegimeCall{}, fmt.Errorf("%w: implausible regime call %+v", ErrUnavailable, call)
	}
	return call, nil
}

// ScoreCandidates asks the oracle to re-rank funnel candidates for the
// current regime. The result maps symbol to a score in [0, 1]; symbols
// missing from the reply keep their local score upstream.
func (c *Client) ScoreCandidates(ctx context.Context, regime models.MarketRegime,
	candidates []models.Opportunity) (map[string]float64, error) {

	if len(candidates) == 0 {
		return map[string]float64{}, nil
	}
	var sb strings.Builder
	for i := range candidates {
		o := &candidates[i]
		fmt.Fprintf(&sb, "%s: change %.1f%%, volume ratio %.1f, sector %s, source %s\n",
			o.Symbol, o.DailyChangePct, o.VolumeRatio, o.Sector, o.Source)
	}
	prompt := fmt.Sprintf(`You are scoring day-trade candidates in a %s market regime.
Candidates:
%s
Reply with JSON only: an object mapping each symbol to a score between 0 and 1.`,
		regime, sb.String())

	reply, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64)
	if err := json.Unmarshal([]byte(extractJSON(reply)), &scores); err != nil {
		return nil, fmt.Errorf("%w: parse scores: %v", ErrUnavailable, err)
	}
	for sym, s := range scores {
		if s < 0 || s > 1 {
			delete(scores, sym)
		}
	}
	return scores, nil
}

// extractJSON pulls the first JSON object out of a possibly chatty
// model reply.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func validRegime(r models.MarketRegime) bool {
	switch r {
	case models.RegimeBullTrending, models.RegimeBearTrending, models.RegimeVolatile,
		models.RegimeRangeBound, models.RegimeLowVolatility:
		return true
	default:
		return false
	}
}
