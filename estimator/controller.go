// Package estimator runs the per-cycle dual-camera fallback: detect on the primary camera, fall back
// to the secondary once, and hand a successful detection to the assembler for publishing.
package estimator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"fiducialodom/detectors"
	"fiducialodom/fusion"
	"fiducialodom/sources"
)

// Outcome is the terminal state of one cycle.
type Outcome int

const (
	// Published means a record was built and handed to the publisher.
	Published Outcome = iota
	// NoMarkers means neither camera produced a detection this cycle.
	NoMarkers
	// TransformFailed means the detection could not be moved into the footprint frame.
	TransformFailed
	// LookupFailed means the bin could not be located in the odometry frame.
	LookupFailed
)

func (o Outcome) String() string {
	switch o {
	case Published:
		return "published"
	case NoMarkers:
		return "no_markers"
	case TransformFailed:
		return "transform_failed"
	case LookupFailed:
		return "lookup_failed"
	default:
		return "unknown"
	}
}

// Publisher receives every record the controller builds.
type Publisher interface {
	Publish(record fusion.OdometryRecord)
}

// Assembler builds a record from a non-empty detection.
type Assembler interface {
	Assemble(ctx context.Context, result detectors.Result, source string) (fusion.OdometryRecord, error)
}

// Stats counts cycle outcomes since the controller was created.
type Stats struct {
	Cycles          int `json:"cycles"`
	Published       int `json:"published"`
	NoMarkers       int `json:"no_markers"`
	TransformFailed int `json:"transform_failed"`
	LookupFailed    int `json:"lookup_failed"`
	PrimaryHits     int `json:"primary_hits"`
	SecondaryHits   int `json:"secondary_hits"`
}

// Controller owns the camera and detector handles for the lifetime of the control loop.
type Controller struct {
	primary   sources.ImageSource
	secondary sources.ImageSource
	detector  detectors.Detector
	assembler Assembler
	publisher Publisher
	logger    logging.Logger

	statsMu sync.Mutex
	stats   Stats
}

// NewController wires the stages together.
func NewController(
	primary, secondary sources.ImageSource,
	detector detectors.Detector,
	assembler Assembler,
	publisher Publisher,
	logger logging.Logger,
) *Controller {
	return &Controller{
		primary:   primary,
		secondary: secondary,
		detector:  detector,
		assembler: assembler,
		publisher: publisher,
		logger:    logger,
	}
}

// WaitReady blocks until the detector and both cameras have answered once, then waits settle so
// the frame system can fill. It returns early only if ctx is done.
func (c *Controller) WaitReady(ctx context.Context, pollInterval, settle time.Duration) error {
	if err := c.detector.WaitReady(ctx); err != nil {
		return err
	}
	for _, src := range []sources.ImageSource{c.primary, c.secondary} {
		if err := sources.WaitUntilReachable(ctx, src, pollInterval, c.logger); err != nil {
			return err
		}
	}
	if settle > 0 && !goutils.SelectContextOrWait(ctx, settle) {
		return ctx.Err()
	}
	c.logger.Info("Fiducial odometry ready")
	return nil
}

// RunCycle executes one fallback cycle and publishes at most one record.
func (c *Controller) RunCycle(ctx context.Context) Outcome {
	outcome := c.runCycle(ctx)
	c.record(outcome)
	return outcome
}

func (c *Controller) runCycle(ctx context.Context) Outcome {
	source := c.primary
	result, found := c.attempt(ctx, source)
	if found {
		c.bump(func(s *Stats) { s.PrimaryHits++ })
	} else {
		source = c.secondary
		result, found = c.attempt(ctx, source)
		if !found {
			return NoMarkers
		}
		c.bump(func(s *Stats) { s.SecondaryHits++ })
	}

	record, err := c.assembler.Assemble(ctx, result, source.Name())
	switch {
	case err == nil:
	case errors.Is(err, fusion.ErrTargetLookup):
		c.logger.Warnf("Dropping detection from %s: %v", source.Name(), err)
		return LookupFailed
	default:
		c.logger.Warnf("Dropping detection from %s: %v", source.Name(), err)
		return TransformFailed
	}

	c.publisher.Publish(record)
	return Published
}

// attempt fetches one snapshot from src and runs detection on it. A missing snapshot or a failed
// round trip counts as no markers for this camera.
func (c *Controller) attempt(ctx context.Context, src sources.ImageSource) (detectors.Result, bool) {
	snapshot, err := src.FetchSnapshot(ctx)
	if err != nil {
		c.logger.Debugf("No snapshot from %s: %v", src.Name(), err)
		return detectors.Result{}, false
	}

	result, err := c.detector.Detect(ctx, detectors.NewRequest(snapshot))
	if err != nil {
		c.logger.Warnf("Detection on %s failed: %v", src.Name(), err)
		return detectors.Result{}, false
	}
	if !result.Found() {
		c.logger.Debugf("No markers visible from %s", src.Name())
		return detectors.Result{}, false
	}
	return result, true
}

// Run executes one cycle per tick until ctx is done. Slow services stretch the effective rate.
func (c *Controller) Run(ctx context.Context, clk clock.Clock, rateHz float64) {
	updateInterval := time.Duration(1.0 / rateHz * float64(time.Second))
	c.logger.Infof("Starting odometry loop at %.2f Hz (interval %v)", rateHz, updateInterval)
	ticker := clk.Ticker(updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outcome := c.RunCycle(ctx)
			c.logger.Debugf("Cycle finished: %v", outcome)
		}
	}
}

// Stats returns a copy of the outcome counters.
func (c *Controller) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Controller) record(outcome Outcome) {
	c.bump(func(s *Stats) {
		s.Cycles++
		switch outcome {
		case Published:
			s.Published++
		case NoMarkers:
			s.NoMarkers++
		case TransformFailed:
			s.TransformFailed++
		case LookupFailed:
			s.LookupFailed++
		}
	})
}

func (c *Controller) bump(update func(*Stats)) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	update(&c.stats)
}
