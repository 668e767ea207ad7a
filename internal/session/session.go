// Package session implements the upload session state machine: validate a
// selected file, publish its preview, classify it in the background and
// expose the outcome as immutable snapshots.
//
// All intents and result applications on one Session are serialised by its
// mutex. Each accepted selection, clear and reset starts a new generation;
// a classification only lands if its generation is still current, so a
// superseded result can never overwrite newer state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/snapclassify/internal/classifier"
	"github.com/example/snapclassify/internal/logging"
	"github.com/example/snapclassify/internal/preview"
	"github.com/example/snapclassify/internal/upload"
)

// ErrClosed is returned when selecting a file on a closed session.
var ErrClosed = errors.New("session closed")

// PreviewStore creates and releases preview handles.
type PreviewStore interface {
	Create(ctx context.Context, file upload.File) (preview.Handle, error)
	Release(ctx context.Context, h preview.Handle) error
}

// Option customises a Session.
type Option func(*Session)

// WithValidator replaces upload.Validate.
func WithValidator(validate func(upload.File) error) Option {
	return func(s *Session) {
		if validate != nil {
			s.validate = validate
		}
	}
}

// WithClassifyTimeout bounds each classification call. Zero means no bound.
func WithClassifyTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.classifyTimeout = d
		}
	}
}

// Session owns the state of one upload screen.
type Session struct {
	id              string
	provider        classifier.Provider
	previews        PreviewStore
	validate        func(upload.File) error
	classifyTimeout time.Duration
	logger          *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	done    chan struct{}

	mu             sync.Mutex
	state          State
	generation     uint64
	cancelClassify context.CancelFunc
	listeners      map[uint64]func(State)
	nextListener   uint64
	closed         bool

	inflight sync.WaitGroup
}

// New creates a session in the initial state.
func New(id string, provider classifier.Provider, previews PreviewStore, logger *zap.Logger, opts ...Option) *Session {
	ctx, stop := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		provider:  provider,
		previews:  previews,
		validate:  upload.Validate,
		logger:    logger.Named("upload_session").With(zap.String("session_id", id)),
		baseCtx:   ctx,
		stop:      stop,
		done:      make(chan struct{}),
		listeners: make(map[uint64]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// SelectFile validates file and, if it passes, replaces the current preview
// and starts classifying it in the background. A validation failure only
// sets Error and is also returned so transports can pick a status code.
func (s *Session) SelectFile(ctx context.Context, file upload.File) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.state.clone(), ErrClosed
	}

	if err := s.validate(file); err != nil {
		s.state.Error = err.Error()
		s.emit()
		return s.state.clone(), err
	}

	s.supersede()
	s.release(ctx, s.state.ImagePreview, s.resultHandle())

	h, err := s.previews.Create(ctx, file)
	if err != nil {
		wrapped := logging.NewOperationError("session.select_file", s.id, err)
		s.logger.Error("failed to create preview", zap.Error(wrapped))
		s.state = State{IsDragging: s.state.IsDragging, Error: PreviewFailedMessage}
		s.emit()
		return s.state.clone(), wrapped
	}

	s.state = State{
		IsDragging:   s.state.IsDragging,
		IsProcessing: true,
		ImagePreview: h,
	}
	s.emit()

	var (
		cctx   context.Context
		cancel context.CancelFunc
	)
	if s.classifyTimeout > 0 {
		cctx, cancel = context.WithTimeout(s.baseCtx, s.classifyTimeout)
	} else {
		cctx, cancel = context.WithCancel(s.baseCtx)
	}
	s.cancelClassify = cancel
	s.inflight.Add(1)
	go s.classify(cctx, cancel, s.generation, file)

	return s.state.clone(), nil
}

// SetDragging flips the presentational drag flag.
func (s *Session) SetDragging(dragging bool) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.IsDragging = dragging
	s.emit()
	return s.state.clone()
}

// ClearImage releases the preview and returns to the initial state. A
// classification still in flight is discarded when it completes.
func (s *Session) ClearImage(ctx context.Context) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear(ctx)
	s.emit()
	return s.state.clone()
}

// DismissError clears Error and nothing else.
func (s *Session) DismissError() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Error = ""
	s.emit()
	return s.state.clone()
}

// Reset releases the result's preview, then clears like ClearImage.
func (s *Session) Reset(ctx context.Context) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(ctx, s.resultHandle())
	s.clear(ctx)
	s.emit()
	return s.state.clone()
}

// Subscribe registers fn to receive every snapshot, in transition order.
// fn runs with the session locked and must not call back into the session.
func (s *Session) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Watch returns a channel of snapshots. When the reader falls behind, the
// oldest pending snapshot is dropped so the newest is always delivered.
// stop unsubscribes and closes the channel.
func (s *Session) Watch(buffer int) (updates <-chan State, stop func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)
	unsubscribe := s.Subscribe(func(st State) {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	})

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			unsubscribe()
			close(ch)
		})
	}
}

// Wait blocks until every started classification has finished.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// Close clears the session, releases its preview and waits for in-flight
// classifications to return, or for ctx to end.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.clear(ctx)
	s.emit()
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.stop()

	finished := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) classify(ctx context.Context, cancel context.CancelFunc, generation uint64, file upload.File) {
	defer s.inflight.Done()
	defer cancel()

	start := time.Now()
	pred, err := s.runProvider(ctx, file)

	s.mu.Lock()
	defer s.mu.Unlock()

	opLogger := logging.WithOperation(s.logger, "session.classify", "").With(
		zap.Uint64("generation", generation),
		zap.Duration("latency", time.Since(start)),
	)
	if generation != s.generation {
		opLogger.Debug("discarding stale classification", zap.Uint64("current_generation", s.generation))
		return
	}

	s.cancelClassify = nil
	s.state.IsProcessing = false
	if err != nil {
		opLogger.Warn("classification failed", zap.Error(err))
		s.state.Error = ProcessingFailedMessage
		s.emit()
		return
	}

	opLogger.Info("classification completed", zap.String("label", pred.Label), zap.Int("confidence", pred.Confidence))
	s.state.Error = ""
	s.state.Result = &Result{
		Label:        pred.Label,
		Confidence:   pred.Confidence,
		ImagePreview: s.state.ImagePreview,
	}
	s.emit()
}

func (s *Session) runProvider(ctx context.Context, file upload.File) (pred *classifier.Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			pred, err = nil, fmt.Errorf("classifier panicked: %v", r)
		}
	}()

	pred, err = s.provider.Classify(ctx, file)
	if err != nil {
		return nil, err
	}
	if err := classifier.CheckPrediction(pred); err != nil {
		return nil, err
	}
	return pred, nil
}

// supersede invalidates the in-flight classification, if any.
func (s *Session) supersede() {
	s.generation++
	if s.cancelClassify != nil {
		s.cancelClassify()
		s.cancelClassify = nil
	}
}

func (s *Session) clear(ctx context.Context) {
	s.supersede()
	s.release(ctx, s.state.ImagePreview, s.resultHandle())
	s.state = State{}
}

func (s *Session) resultHandle() preview.Handle {
	if s.state.Result == nil {
		return ""
	}
	return s.state.Result.ImagePreview
}

// release retires each distinct non-empty handle once. Failures are logged;
// the handle is no longer referenced by state either way.
func (s *Session) release(ctx context.Context, handles ...preview.Handle) {
	seen := make(map[preview.Handle]bool, len(handles))
	for _, h := range handles {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if err := s.previews.Release(ctx, h); err != nil {
			s.logger.Warn("failed to release preview", zap.String("handle", string(h)), zap.Error(err))
		}
	}
}

func (s *Session) emit() {
	if len(s.listeners) == 0 {
		return
	}
	snapshot := s.state.clone()
	for _, fn := range s.listeners {
		fn(snapshot)
	}
}
