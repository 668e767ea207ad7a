package session

import "github.com/example/snapclassify/internal/preview"

// User-facing failure messages. They never carry internal detail.
const (
	ProcessingFailedMessage = "Failed to classify image. Please try again."
	PreviewFailedMessage    = "Failed to load image preview. Please try again."
)

// Result is the last successful classification of a session.
type Result struct {
	Label        string         `json:"label"`
	Confidence   int            `json:"confidence"`
	ImagePreview preview.Handle `json:"image_preview"`
}

// State is a snapshot of an upload session. The zero value is the initial
// state. Snapshots are copies and are never mutated after being handed out.
type State struct {
	IsDragging   bool           `json:"is_dragging"`
	IsProcessing bool           `json:"is_processing"`
	Error        string         `json:"error,omitempty"`
	ImagePreview preview.Handle `json:"image_preview,omitempty"`
	Result       *Result        `json:"result,omitempty"`
}

// Phase names the lifecycle stage a snapshot is in.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseProcessing Phase = "processing"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// Phase derives the lifecycle stage. A validation error without a preview is
// still PhaseIdle.
func (s State) Phase() Phase {
	switch {
	case s.IsProcessing:
		return PhaseProcessing
	case s.Result != nil:
		return PhaseDone
	case s.ImagePreview != "" && s.Error != "":
		return PhaseFailed
	default:
		return PhaseIdle
	}
}

// IsInitial reports whether s equals the pristine initial state.
func (s State) IsInitial() bool {
	return !s.IsDragging && !s.IsProcessing && s.Error == "" && s.ImagePreview == "" && s.Result == nil
}

func (s State) clone() State {
	if s.Result != nil {
		r := *s.Result
		s.Result = &r
	}
	return s
}
