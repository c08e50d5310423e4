// Package ingest throttles raw camera frames into the active verification
// flow. A single busy flag admits one frame at a time; frames arriving while
// an analysis is in flight are dropped, never queued.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/imageprocessor"
	"github.com/example/liveness-check/internal/metrics"
	"github.com/example/liveness-check/internal/similarity"
)

// DefaultMinFaceWidthRatio is the smallest face width, relative to the
// relevant frame dimension, still analysed.
const DefaultMinFaceWidthRatio = 0.3

var (
	// ErrDetection wraps a detector failure. The result message carries the
	// detector's own description.
	ErrDetection = errors.New("face detection failed")
	// ErrMultipleFaces is reported when a frame shows more than one face.
	ErrMultipleFaces = errors.New("more than one face in frame")
)

// Target receives the observations the controller builds.
type Target interface {
	Handle(ctx context.Context, obs imageprocessor.Observation) error
	NeedsClassification() bool
}

// ResultKind is the outcome of analysing one frame.
type ResultKind int

const (
	ResultHandled ResultKind = iota
	ResultNoFace
	ResultMultipleFaces
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultHandled:
		return "handled"
	case ResultNoFace:
		return "no_face"
	case ResultMultipleFaces:
		return "multiple_faces"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// Result describes what happened to one analysed frame.
type Result struct {
	Kind    ResultKind
	Message string
	Err     error
	At      time.Time
}

// Controller is safe for concurrent use.
type Controller struct {
	detector      imageprocessor.Detector
	target        Target
	logger        *zap.Logger
	metrics       *metrics.Metrics
	minWidthRatio float64
	onResult      func(Result)

	busy atomic.Bool
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	last *Result
}

type Option func(*Controller)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithMinFaceWidthRatio overrides DefaultMinFaceWidthRatio.
func WithMinFaceWidthRatio(ratio float64) Option {
	return func(c *Controller) {
		c.minWidthRatio = ratio
	}
}

// WithResultHandler registers fn for every analysed frame. fn runs on the
// analysis goroutine before the busy flag clears.
func WithResultHandler(fn func(Result)) Option {
	return func(c *Controller) {
		c.onResult = fn
	}
}

// New returns a controller feeding target with observations built from
// detector results.
func New(detector imageprocessor.Detector, target Target, opts ...Option) (*Controller, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if target == nil {
		return nil, fmt.Errorf("target is required")
	}

	c := &Controller{
		detector:      detector,
		target:        target,
		logger:        zap.NewNop(),
		minWidthRatio: DefaultMinFaceWidthRatio,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("ingest")
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Submit hands frame to the analysis worker and reports whether it was
// accepted. A frame submitted while another one is being analysed is
// released and dropped. Analysis runs detached from the caller; use Wait or
// a result handler to observe it.
func (c *Controller) Submit(frame imageprocessor.Frame) bool {
	if c.ctx.Err() != nil || !c.busy.CompareAndSwap(false, true) {
		release(frame)
		c.metrics.IncrementDropped()
		c.logger.Debug("frame dropped", zap.Time("timestamp", frame.Timestamp))
		return false
	}
	c.metrics.IncrementSubmitted()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.busy.Store(false)
		defer release(frame)

		result := c.analyse(c.ctx, frame)
		c.record(result)
	}()
	return true
}

// Busy reports whether an analysis is in flight.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// Wait blocks until no analysis is in flight.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels the in-flight analysis, if any, and waits for it. Frames
// submitted afterwards are dropped.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// LastResult returns the result of the most recently analysed frame.
func (c *Controller) LastResult() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

func (c *Controller) analyse(ctx context.Context, frame imageprocessor.Frame) Result {
	opts := imageprocessor.DetectOptions{Classify: c.target.NeedsClassification()}

	now := time.Now()
	detection, err := c.detector.Detect(ctx, frame, opts)
	c.metrics.ObserveDetect(now)
	if err != nil {
		c.logger.Warn("face detector failed", zap.Error(err))
		return Result{Kind: ResultError, Message: err.Error(), Err: fmt.Errorf("%w: %w", ErrDetection, err), At: now}
	}

	switch detection.Kind {
	case imageprocessor.DetectionNoFace:
		return Result{Kind: ResultNoFace, At: now}
	case imageprocessor.DetectionMultipleFaces:
		return Result{Kind: ResultMultipleFaces, Message: ErrMultipleFaces.Error(), Err: ErrMultipleFaces, At: now}
	}

	if !c.wideEnough(frame, detection) {
		return Result{Kind: ResultNoFace, At: now}
	}
	face := imageprocessor.Crop(imageprocessor.Upright(frame.Image, frame.RotationDegrees), detection.Box)
	if face == nil {
		return Result{Kind: ResultNoFace, At: now}
	}

	timestamp := frame.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}
	obs := imageprocessor.Observation{
		Box:       detection.Box,
		Face:      face,
		HeadYaw:   detection.HeadYaw,
		Smiling:   detection.Smiling,
		EyesOpen:  detection.EyesOpen,
		Timestamp: timestamp,
	}

	if err := c.target.Handle(ctx, obs); err != nil {
		if errors.Is(err, similarity.ErrDimensionMismatch) {
			c.logger.Error("embedding model does not match enrolled data", zap.Error(err))
		} else {
			c.logger.Warn("verification flow failed to handle observation", zap.Error(err))
		}
		return Result{Kind: ResultError, Message: err.Error(), Err: err, At: now}
	}
	return Result{Kind: ResultHandled, At: now}
}

// wideEnough applies the minimum face width filter. The face width is
// compared with the frame width when the rotation is a multiple of 180
// degrees and with the frame height otherwise.
func (c *Controller) wideEnough(frame imageprocessor.Frame, detection imageprocessor.Detection) bool {
	dimension := frame.Width()
	if frame.RotationDegrees%180 != 0 {
		dimension = frame.Height()
	}
	if dimension <= 0 {
		return false
	}
	return float64(detection.Box.Dx())/float64(dimension) > c.minWidthRatio
}

func (c *Controller) record(result Result) {
	c.mu.Lock()
	c.last = &result
	c.mu.Unlock()

	c.metrics.ObserveOutcome(result.Kind.String())
	if c.onResult != nil {
		c.onResult(result)
	}
}

func release(frame imageprocessor.Frame) {
	if frame.Release != nil {
		frame.Release()
	}
}
