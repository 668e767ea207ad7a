package classifier

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/example/snapclassify/internal/upload"
)

const (
	DefaultBaseDelay        = 2 * time.Second
	DefaultDelayJitter      = 1500 * time.Millisecond
	DefaultConfidenceJitter = 5

	// MockFloorConfidence is the lowest confidence the mock ever reports.
	MockFloorConfidence = 60
)

// ErrSimulatedFailure is returned when the mock decides to reject a call.
var ErrSimulatedFailure = errors.New("classifier: simulated transient failure")

// Candidate is one label the mock can report, with its base confidence.
type Candidate struct {
	Label          string
	BaseConfidence int
}

// DefaultCandidates is the fixed candidate set used by the mock.
var DefaultCandidates = []Candidate{
	{Label: "cat", BaseConfidence: 94},
	{Label: "dog", BaseConfidence: 87},
	{Label: "bird", BaseConfidence: 91},
	{Label: "horse", BaseConfidence: 83},
	{Label: "elephant", BaseConfidence: 96},
	{Label: "lion", BaseConfidence: 89},
	{Label: "tiger", BaseConfidence: 92},
	{Label: "bear", BaseConfidence: 85},
	{Label: "rabbit", BaseConfidence: 78},
	{Label: "deer", BaseConfidence: 81},
}

// MockProvider simulates inference latency and returns a random candidate.
// It never reads file content.
type MockProvider struct {
	candidates       []Candidate
	baseDelay        time.Duration
	delayJitter      time.Duration
	confidenceJitter int
	failureRate      float64

	mu  sync.Mutex
	rng *rand.Rand
}

// MockOption customises a MockProvider.
type MockOption func(*MockProvider)

// WithDelay sets the baseline latency and the upper bound of the extra jitter.
func WithDelay(base, jitter time.Duration) MockOption {
	return func(p *MockProvider) {
		if base >= 0 {
			p.baseDelay = base
		}
		if jitter >= 0 {
			p.delayJitter = jitter
		}
	}
}

// WithCandidates replaces the candidate set. An empty set is ignored.
func WithCandidates(candidates []Candidate) MockOption {
	return func(p *MockProvider) {
		if len(candidates) > 0 {
			p.candidates = append([]Candidate(nil), candidates...)
		}
	}
}

// WithConfidenceJitter sets the symmetric bound applied to base confidences.
func WithConfidenceJitter(jitter int) MockOption {
	return func(p *MockProvider) {
		if jitter >= 0 {
			p.confidenceJitter = jitter
		}
	}
}

// WithFailureRate makes roughly rate of calls fail with ErrSimulatedFailure.
func WithFailureRate(rate float64) MockOption {
	return func(p *MockProvider) {
		switch {
		case rate < 0:
			p.failureRate = 0
		case rate > 1:
			p.failureRate = 1
		default:
			p.failureRate = rate
		}
	}
}

// WithSource seeds the provider's random draws, mainly for tests.
func WithSource(src rand.Source) MockOption {
	return func(p *MockProvider) {
		if src != nil {
			p.rng = rand.New(src)
		}
	}
}

// NewMockProvider builds a mock with the default candidates and latency.
func NewMockProvider(opts ...MockOption) *MockProvider {
	p := &MockProvider{
		candidates:       append([]Candidate(nil), DefaultCandidates...),
		baseDelay:        DefaultBaseDelay,
		delayJitter:      DefaultDelayJitter,
		confidenceJitter: DefaultConfidenceJitter,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Labels returns the labels the mock can report.
func (p *MockProvider) Labels() []string {
	labels := make([]string, len(p.candidates))
	for i, c := range p.candidates {
		labels[i] = c.Label
	}
	return labels
}

// Classify waits out the simulated latency, then draws a prediction.
func (p *MockProvider) Classify(ctx context.Context, _ upload.File) (*Prediction, error) {
	p.mu.Lock()
	delay := p.baseDelay
	if p.delayJitter > 0 {
		delay += time.Duration(p.rng.Int63n(int64(p.delayJitter)))
	}
	candidate := p.candidates[p.rng.Intn(len(p.candidates))]
	jitter := 0
	if p.confidenceJitter > 0 {
		jitter = p.rng.Intn(2*p.confidenceJitter+1) - p.confidenceJitter
	}
	fail := p.failureRate > 0 && p.rng.Float64() < p.failureRate
	p.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}
	if fail {
		return nil, ErrSimulatedFailure
	}

	return &Prediction{
		Label:      candidate.Label,
		Confidence: clampConfidence(candidate.BaseConfidence + jitter),
	}, nil
}

func clampConfidence(c int) int {
	if c < MockFloorConfidence {
		return MockFloorConfidence
	}
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
