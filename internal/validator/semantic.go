package validator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/thomaker/blendforge/internal/config"
)

// Matcher scores an image against a set of candidate labels. The returned
// probabilities are index-aligned with candidates and sum to 1.
type Matcher interface {
	Classify(ctx context.Context, image []byte, candidates []string) ([]float64, error)
}

// presenceCandidates are the labels for the object-presence check. The first
// entry is the positive class; its probability is the presence score.
var presenceCandidates = []string{
	"a recognizable 3D object",
	"geometric shapes and primitives only",
	"an empty 3D scene",
	"abstract unrecognizable geometry",
}

// identityCandidates returns the zero-shot labels for the identity check:
// four paraphrases of the expected label followed by four generic negatives.
// The positive score is the summed probability mass of the first four.
func identityCandidates(label string) []string {
	return []string{
		fmt.Sprintf("a %s", label),
		fmt.Sprintf("a 3D model of a %s", label),
		fmt.Sprintf("a rendered %s", label),
		label,
		"a different unrelated object",
		"the wrong type of object",
		"an object that doesn't match the description",
		"something else entirely",
	}
}

const numIdentityPositives = 4

// HTTPMatcher calls a hosted zero-shot image classification endpoint
// (CLIP-style) over the HuggingFace inference protocol.
type HTTPMatcher struct {
	cfg        config.MatcherConfig
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPMatcher creates a matcher client for the configured endpoint.
func NewHTTPMatcher(cfg config.MatcherConfig, apiKey string, logger *slog.Logger) *HTTPMatcher {
	return &HTTPMatcher{
		cfg:    cfg,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		logger: logger.With("component", "matcher"),
	}
}

type classifyRequest struct {
	Inputs     string             `json:"inputs"`
	Parameters classifyParameters `json:"parameters"`
}

type classifyParameters struct {
	CandidateLabels []string `json:"candidate_labels"`
}

type classifyScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classify sends the image and candidate labels to the endpoint and maps the
// scored labels back into candidate order.
func (m *HTTPMatcher) Classify(ctx context.Context, image []byte, candidates []string) ([]float64, error) {
	payload, err := json.Marshal(classifyRequest{
		Inputs:     base64.StdEncoding.EncodeToString(image),
		Parameters: classifyParameters{CandidateLabels: candidates},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal classify request: %w", err)
	}

	url := strings.TrimSuffix(m.cfg.BaseURL, "/") + "/models/" + m.cfg.Model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read classify response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classify endpoint returned status %d: %s", resp.StatusCode, tail(string(body), 200))
	}

	var scores []classifyScore
	if err := json.Unmarshal(body, &scores); err != nil {
		return nil, fmt.Errorf("failed to parse classify response: %w", err)
	}

	byLabel := make(map[string]float64, len(scores))
	for _, s := range scores {
		byLabel[s.Label] = s.Score
	}

	probs := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		score, ok := byLabel[c]
		if !ok {
			return nil, fmt.Errorf("classify response missing candidate %q", c)
		}
		probs[i] = score
		total += score
	}
	if total <= 0 {
		return nil, fmt.Errorf("classify response has no probability mass")
	}
	for i := range probs {
		probs[i] /= total
	}

	m.logger.Debug("Classified image", "model", m.cfg.Model, "candidates", len(candidates), "duration", time.Since(start))
	return probs, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
