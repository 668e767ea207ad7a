// Package classifier defines the prediction contract a session depends on and
// a randomized provider that stands in for real model inference.
package classifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/snapclassify/internal/upload"
)

const (
	MinConfidence = 0
	MaxConfidence = 100
)

// ErrInvalidPrediction marks a provider result that breaks the output contract.
var ErrInvalidPrediction = errors.New("classifier: invalid prediction")

// Prediction is the outcome of one successful classification.
type Prediction struct {
	Label      string `json:"label"`
	Confidence int    `json:"confidence"`
}

// Provider classifies an accepted file. Implementations may block until ctx
// is done and must return either a valid Prediction or an error.
type Provider interface {
	Classify(ctx context.Context, file upload.File) (*Prediction, error)
}

// CheckPrediction verifies p holds a non-empty label and a confidence
// percentage within range.
func CheckPrediction(p *Prediction) error {
	if p == nil {
		return fmt.Errorf("%w: nil prediction", ErrInvalidPrediction)
	}
	if p.Label == "" {
		return fmt.Errorf("%w: empty label", ErrInvalidPrediction)
	}
	if p.Confidence < MinConfidence || p.Confidence > MaxConfidence {
		return fmt.Errorf("%w: confidence %d out of range", ErrInvalidPrediction, p.Confidence)
	}
	return nil
}
