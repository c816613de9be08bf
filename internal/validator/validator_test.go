package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/fogleman/gg"

	"github.com/thomaker/blendforge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testValidatorConfig() config.ValidatorConfig {
	return config.ValidatorConfig{
		MinLuminance:    10,
		MaxLuminance:    245,
		MinEdgeDensity:  0.001,
		MinContrast:     10,
		PresenceAccept:  0.6,
		PresenceUnclear: 0.4,
		StrongMatch:     0.65,
		WeakMatch:       0.45,
		PresenceWeight:  0.3,
		IdentityWeight:  0.7,
	}
}

// solidPNG renders a uniform image of the given shade.
func solidPNG(t *testing.T, r, g, b float64) []byte {
	t.Helper()
	dc := gg.NewContext(64, 64)
	dc.SetRGB(r, g, b)
	dc.Clear()

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// shapePNG renders a white disc on black, enough structure to clear the
// quality gate.
func shapePNG(t *testing.T) []byte {
	t.Helper()
	dc := gg.NewContext(64, 64)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	dc.SetRGB(1, 1, 1)
	dc.DrawCircle(32, 32, 20)
	dc.Fill()

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// fakeMatcher returns scripted scores: presence mass on the first presence
// candidate, then positive/negative mass split evenly over the identity
// paraphrases and negatives.
type fakeMatcher struct {
	presence float64
	positive float64
	negative float64
	err      error
	calls    int
}

func (m *fakeMatcher) Classify(_ context.Context, _ []byte, candidates []string) ([]float64, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}

	probs := make([]float64, len(candidates))
	if candidates[0] == presenceCandidates[0] {
		probs[0] = m.presence
		rest := (1 - m.presence) / float64(len(candidates)-1)
		for i := 1; i < len(candidates); i++ {
			probs[i] = rest
		}
		return probs, nil
	}

	for i := range candidates {
		if i < numIdentityPositives {
			probs[i] = m.positive / numIdentityPositives
		} else {
			probs[i] = m.negative / float64(len(candidates)-numIdentityPositives)
		}
	}
	return probs, nil
}

// failMatcher fails the test if the semantic stage is ever reached.
type failMatcher struct{ t *testing.T }

func (m *failMatcher) Classify(context.Context, []byte, []string) ([]float64, error) {
	m.t.Error("matcher must not be called when the quality gate rejects")
	return nil, nil
}

func TestValidate_AllBlackIsTooDark(t *testing.T) {
	v := New(testValidatorConfig(), &failMatcher{t}, testLogger())

	d := v.Validate(context.Background(), solidPNG(t, 0, 0, 0), "wooden duck")
	if d.Accepted {
		t.Error("Expected rejection")
	}
	if d.Reason != ReasonTooDark {
		t.Errorf("Expected %s, got %s", ReasonTooDark, d.Reason)
	}
}

func TestValidate_WhiteIsOverexposed(t *testing.T) {
	v := New(testValidatorConfig(), &failMatcher{t}, testLogger())

	d := v.Validate(context.Background(), solidPNG(t, 1, 1, 1), "wooden duck")
	if d.Accepted || d.Reason != ReasonOverexposed {
		t.Errorf("Expected %s rejection, got accepted=%v reason=%s", ReasonOverexposed, d.Accepted, d.Reason)
	}
}

func TestValidate_FlatGrayHasNoDetail(t *testing.T) {
	v := New(testValidatorConfig(), &failMatcher{t}, testLogger())

	d := v.Validate(context.Background(), solidPNG(t, 0.5, 0.5, 0.5), "wooden duck")
	if d.Accepted || d.Reason != ReasonNoDetail {
		t.Errorf("Expected %s rejection, got accepted=%v reason=%s", ReasonNoDetail, d.Accepted, d.Reason)
	}
}

func TestValidate_FusedConfidence(t *testing.T) {
	matcher := &fakeMatcher{presence: 0.9, positive: 0.7, negative: 0.3}
	v := New(testValidatorConfig(), matcher, testLogger())

	d := v.Validate(context.Background(), shapePNG(t), "coffee mug")
	if !d.Accepted {
		t.Fatalf("Expected acceptance, got %s", d.Reason)
	}
	if d.Reason != ReasonStrongMatch {
		t.Errorf("Expected %s, got %s", ReasonStrongMatch, d.Reason)
	}

	// 0.3*0.9 + 0.7*0.7
	if math.Abs(d.Confidence-0.76) > 1e-9 {
		t.Errorf("Expected confidence 0.76, got %f", d.Confidence)
	}
	if matcher.calls != 2 {
		t.Errorf("Expected 2 matcher calls, got %d", matcher.calls)
	}
}

func TestValidate_StrongMatchScenario(t *testing.T) {
	matcher := &fakeMatcher{presence: 0.85, positive: 0.72, negative: 0.05}
	v := New(testValidatorConfig(), matcher, testLogger())

	d := v.Validate(context.Background(), shapePNG(t), "carved wooden duck")
	if !d.Accepted || d.Reason != ReasonStrongMatch {
		t.Fatalf("Expected strong match, got accepted=%v reason=%s", d.Accepted, d.Reason)
	}
	if math.Abs(d.Confidence-0.759) > 1e-9 {
		t.Errorf("Expected confidence 0.759, got %f", d.Confidence)
	}
}

func TestValidate_PresenceBands(t *testing.T) {
	tests := []struct {
		name     string
		presence float64
		reason   string
	}{
		{"no object", 0.2, ReasonNoObject},
		{"unclear object", 0.5, ReasonUnclearObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matcher := &fakeMatcher{presence: tt.presence}
			v := New(testValidatorConfig(), matcher, testLogger())

			d := v.Validate(context.Background(), shapePNG(t), "table lamp")
			if d.Accepted {
				t.Error("Expected rejection")
			}
			if d.Reason != tt.reason {
				t.Errorf("Expected %s, got %s", tt.reason, d.Reason)
			}
			if d.Confidence != tt.presence {
				t.Errorf("Expected presence score %f as confidence, got %f", tt.presence, d.Confidence)
			}
			if matcher.calls != 1 {
				t.Errorf("Identity stage must be skipped, got %d calls", matcher.calls)
			}
		})
	}
}

func TestValidate_IdentityBands(t *testing.T) {
	tests := []struct {
		name     string
		positive float64
		negative float64
		accepted bool
		reason   string
	}{
		{"weak match", 0.5, 0.5, true, ReasonWeakMatch},
		{"possible wrong object", 0.4, 0.35, false, ReasonPossibleWrongObject},
		{"wrong object", 0.2, 0.8, false, ReasonWrongObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matcher := &fakeMatcher{presence: 0.9, positive: tt.positive, negative: tt.negative}
			v := New(testValidatorConfig(), matcher, testLogger())

			d := v.Validate(context.Background(), shapePNG(t), "flower vase")
			if d.Accepted != tt.accepted || d.Reason != tt.reason {
				t.Errorf("Expected accepted=%v reason=%s, got accepted=%v reason=%s",
					tt.accepted, tt.reason, d.Accepted, d.Reason)
			}
		})
	}
}

func TestValidate_MatcherErrorRejects(t *testing.T) {
	matcher := &fakeMatcher{err: context.DeadlineExceeded}
	v := New(testValidatorConfig(), matcher, testLogger())

	d := v.Validate(context.Background(), shapePNG(t), "coffee mug")
	if d.Accepted {
		t.Error("Matcher failure must never auto-accept")
	}
	if !strings.HasPrefix(d.Reason, "object_presence_error") {
		t.Errorf("Unexpected reason %s", d.Reason)
	}
}

// truncatingMatcher drops the last score from the stage it is told to
// truncate, simulating an endpoint that silently loses candidates.
type truncatingMatcher struct {
	truncateIdentity bool
}

func (m *truncatingMatcher) Classify(_ context.Context, _ []byte, candidates []string) ([]float64, error) {
	n := len(candidates)
	isIdentity := candidates[0] != presenceCandidates[0]
	if isIdentity == m.truncateIdentity {
		n--
	}

	probs := make([]float64, n)
	for i := range probs {
		probs[i] = 1 / float64(n)
	}
	if !isIdentity {
		probs[0] = 0.9
	}
	return probs, nil
}

func TestValidate_ShortScoreVectorRejects(t *testing.T) {
	tests := []struct {
		name             string
		truncateIdentity bool
		prefix           string
	}{
		{"presence stage", false, "object_presence_error"},
		{"identity stage", true, "object_match_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(testValidatorConfig(), &truncatingMatcher{truncateIdentity: tt.truncateIdentity}, testLogger())

			d := v.Validate(context.Background(), shapePNG(t), "coffee mug")
			if d.Accepted {
				t.Error("Malformed matcher response must never accept")
			}
			if !strings.HasPrefix(d.Reason, tt.prefix) {
				t.Errorf("Expected %s reason, got %s", tt.prefix, d.Reason)
			}
		})
	}
}

func TestValidate_UndecodableImage(t *testing.T) {
	v := New(testValidatorConfig(), &failMatcher{t}, testLogger())

	d := v.Validate(context.Background(), []byte("not a png"), "coffee mug")
	if d.Accepted {
		t.Error("Expected rejection")
	}
	if !strings.HasPrefix(d.Reason, "decode_error") {
		t.Errorf("Unexpected reason %s", d.Reason)
	}
}

func TestRejectionCategory(t *testing.T) {
	tests := []struct {
		reason   string
		category string
	}{
		{ReasonTooDark, "quality"},
		{ReasonLowContrast, "quality"},
		{ReasonNoObject, "no_object"},
		{ReasonUnclearObject, "no_object"},
		{ReasonWrongObject, "wrong_object"},
		{ReasonPossibleWrongObject, "wrong_object"},
		{"object_match_error: timeout", "error"},
	}

	for _, tt := range tests {
		if got := RejectionCategory(tt.reason); got != tt.category {
			t.Errorf("RejectionCategory(%s) = %s, want %s", tt.reason, got, tt.category)
		}
	}
}

func TestHTTPMatcher_Classify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer hf-secret" {
			t.Errorf("Expected bearer token, got %q", got)
		}
		if !strings.HasSuffix(r.URL.Path, "/models/openai/clip-vit-base-patch32") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}

		var req classifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if len(req.Parameters.CandidateLabels) != 2 {
			t.Fatalf("Expected 2 candidates, got %d", len(req.Parameters.CandidateLabels))
		}

		// Endpoints return scores sorted by score, not candidate order.
		_ = json.NewEncoder(w).Encode([]classifyScore{
			{Label: "b", Score: 0.6},
			{Label: "a", Score: 0.2},
		})
	}))
	defer server.Close()

	m := NewHTTPMatcher(config.MatcherConfig{
		BaseURL:        server.URL,
		Model:          "openai/clip-vit-base-patch32",
		TimeoutSeconds: 5,
	}, "hf-secret", testLogger())

	probs, err := m.Classify(context.Background(), []byte("img"), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	// Mapped back to candidate order and normalized.
	if math.Abs(probs[0]-0.25) > 1e-9 || math.Abs(probs[1]-0.75) > 1e-9 {
		t.Errorf("Expected [0.25 0.75], got %v", probs)
	}
}

func TestHTTPMatcher_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("model loading"))
	}))
	defer server.Close()

	m := NewHTTPMatcher(config.MatcherConfig{BaseURL: server.URL, Model: "m", TimeoutSeconds: 5}, "", testLogger())

	if _, err := m.Classify(context.Background(), []byte("img"), presenceCandidates); err == nil {
		t.Error("Expected error for non-200 status")
	}
}
