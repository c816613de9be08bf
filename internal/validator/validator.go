package validator

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"

	"github.com/thomaker/blendforge/internal/config"
	"github.com/thomaker/blendforge/internal/metrics"
	"github.com/thomaker/blendforge/pkg/models"
)

// Semantic-stage reason codes.
const (
	ReasonStrongMatch         = "strong_match"
	ReasonWeakMatch           = "weak_match"
	ReasonUnclearObject       = "unclear_object"
	ReasonNoObject            = "no_object"
	ReasonPossibleWrongObject = "possible_wrong_object"
	ReasonWrongObject         = "wrong_object"
)

// Validator decides whether a rendered image is an acceptable depiction of
// the expected object. Stage 1 is a label-independent quality gate, stage 2
// asks the matcher whether any object is present and whether it is the right
// one. The final confidence fuses both semantic scores.
type Validator struct {
	cfg     config.ValidatorConfig
	gate    *QualityGate
	matcher Matcher
	logger  *slog.Logger
}

// New creates a validator using the given matcher for semantic checks.
func New(cfg config.ValidatorConfig, matcher Matcher, logger *slog.Logger) *Validator {
	return &Validator{
		cfg:     cfg,
		gate:    NewQualityGate(cfg),
		matcher: matcher,
		logger:  logger.With("component", "validator"),
	}
}

// Validate scores imageData against the expected label. It always returns a
// Decision; infrastructure failures (undecodable image, matcher errors)
// become non-accepting decisions rather than errors so a flaky matcher can
// never crash the pipeline or auto-accept an image.
func (v *Validator) Validate(ctx context.Context, imageData []byte, label string) models.Decision {
	d := v.validate(ctx, imageData, label)
	if !d.Accepted {
		metrics.RecordRejection(d.Reason)
	}
	v.logger.Debug("Validation decision",
		"label", label,
		"accepted", d.Accepted,
		"reason", d.Reason,
		"confidence", d.Confidence)
	return d
}

func (v *Validator) validate(ctx context.Context, imageData []byte, label string) models.Decision {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return models.Decision{Reason: fmt.Sprintf("decode_error: %v", err)}
	}

	if ok, reason := v.gate.Check(img); !ok {
		return models.Decision{Reason: reason}
	}

	// Stage 2a: is any recognizable object present at all?
	probs, err := v.matcher.Classify(ctx, imageData, presenceCandidates)
	if err != nil {
		return models.Decision{Reason: fmt.Sprintf("object_presence_error: %v", err)}
	}
	if len(probs) != len(presenceCandidates) {
		return models.Decision{Reason: fmt.Sprintf(
			"object_presence_error: matcher returned %d scores for %d candidates",
			len(probs), len(presenceCandidates))}
	}
	presence := probs[0]

	switch {
	case presence > v.cfg.PresenceAccept:
		// Clear object, continue to identity.
	case presence > v.cfg.PresenceUnclear:
		return models.Decision{Reason: ReasonUnclearObject, Confidence: presence}
	default:
		return models.Decision{Reason: ReasonNoObject, Confidence: presence}
	}

	// Stage 2b: is it the object we asked for? Positive paraphrases compete
	// against generic negatives; the summed positive mass is the identity score.
	candidates := identityCandidates(label)
	probs, err = v.matcher.Classify(ctx, imageData, candidates)
	if err != nil {
		return models.Decision{Reason: fmt.Sprintf("object_match_error: %v", err)}
	}
	if len(probs) != len(candidates) {
		return models.Decision{Reason: fmt.Sprintf(
			"object_match_error: matcher returned %d scores for %d candidates",
			len(probs), len(candidates))}
	}

	var positive, negative float64
	for i, p := range probs {
		if i < numIdentityPositives {
			positive += p
		} else {
			negative += p
		}
	}

	confidence := v.cfg.PresenceWeight*presence + v.cfg.IdentityWeight*positive

	switch {
	case positive > v.cfg.StrongMatch:
		return models.Decision{Accepted: true, Reason: ReasonStrongMatch, Confidence: confidence}
	case positive > v.cfg.WeakMatch:
		return models.Decision{Accepted: true, Reason: ReasonWeakMatch, Confidence: confidence}
	case positive > negative:
		return models.Decision{Reason: ReasonPossibleWrongObject, Confidence: confidence}
	default:
		return models.Decision{Reason: ReasonWrongObject, Confidence: confidence}
	}
}

// RejectionCategory buckets a rejection reason for stats reporting.
func RejectionCategory(reason string) string {
	switch reason {
	case ReasonTooDark, ReasonOverexposed, ReasonNoDetail, ReasonLowContrast:
		return "quality"
	case ReasonNoObject, ReasonUnclearObject:
		return "no_object"
	case ReasonPossibleWrongObject, ReasonWrongObject:
		return "wrong_object"
	default:
		return "error"
	}
}
