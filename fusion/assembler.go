// Package fusion turns a marker detection into an odometry record: it moves the detected pose into
// the robot footprint frame, looks up where the bin sits in the odometry frame and composes the two.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"fiducialodom/detectors"
	"fiducialodom/utils"
)

var (
	// ErrNoDetection is returned when Assemble is handed an empty detection.
	ErrNoDetection = errors.New("detection has no markers")
	// ErrFootprintTransform wraps failures moving the detection into the footprint frame.
	ErrFootprintTransform = errors.New("failed to transform detection into footprint frame")
	// ErrTargetLookup wraps failures looking up the bin in the odometry frame.
	ErrTargetLookup = errors.New("failed to look up bin in odometry frame")
)

// OdometryRecord is one published odometry reading: the robot footprint relative to the bin,
// reported through the odometry frame. Position.Z is always exactly 0.
type OdometryRecord struct {
	FrameID      string
	ChildFrameID string
	Timestamp    time.Time
	Position     r3.Vector
	Orientation  spatialmath.Orientation
	Covariance   *mat.DiagDense
	// Source is the camera whose snapshot produced the detection.
	Source string
}

// Pose returns Position and Orientation as a single transform, for composing and comparing. Its
// Point() may differ from Position by round-off.
func (r OdometryRecord) Pose() spatialmath.Pose {
	orientation := r.Orientation
	if orientation == nil {
		orientation = spatialmath.NewZeroOrientation()
	}
	return spatialmath.NewPose(r.Position, orientation)
}

// ToMap renders the record for Readings and DoCommand responses.
func (r OdometryRecord) ToMap() map[string]interface{} {
	covariance := utils.CovarianceRowMajor(r.Covariance)
	cov := make([]interface{}, len(covariance))
	for i, v := range covariance {
		cov[i] = v
	}
	return map[string]interface{}{
		"frame_id":       r.FrameID,
		"child_frame_id": r.ChildFrameID,
		"timestamp":      r.Timestamp.UTC().Format(time.RFC3339Nano),
		"pose":           utils.PartsToMap(r.Position, r.Orientation),
		"covariance":     cov,
		"source":         r.Source,
	}
}

// Config names the frames involved and the fixed pose variance.
type Config struct {
	FootprintFrame string
	BinFrame       string
	OdometryFrame  string
	Corrections    FrameCorrections
	Variance       float64
	// Debug logs every intermediate pose at info level.
	Debug bool
}

// Assembler builds odometry records from detections.
type Assembler struct {
	cfg      Config
	resolver TransformResolver
	clock    clock.Clock
	logger   logging.Logger
}

// NewAssembler returns an Assembler. A nil clock uses the wall clock.
func NewAssembler(cfg Config, resolver TransformResolver, clk clock.Clock, logger logging.Logger) *Assembler {
	if clk == nil {
		clk = clock.New()
	}
	return &Assembler{
		cfg:      cfg,
		resolver: resolver,
		clock:    clk,
		logger:   logger,
	}
}

// Assemble turns a non-empty detection from source into an odometry record. Any failed lookup
// returns an error and no record.
func (a *Assembler) Assemble(ctx context.Context, result detectors.Result, source string) (OdometryRecord, error) {
	if !result.Found() {
		return OdometryRecord{}, ErrNoDetection
	}

	unprocessed := a.cfg.Corrections.Normalize(result.Pose)
	a.debugPose("unprocessed", unprocessed.Parent(), unprocessed.Pose())

	inFootprint, err := a.resolver.TransformPose(ctx, unprocessed, a.cfg.FootprintFrame)
	if err != nil {
		return OdometryRecord{}, fmt.Errorf("%w: %w", ErrFootprintTransform, err)
	}
	processedPosition, processedOrientation := utils.PlanarProjection(inFootprint.Pose())
	processed := spatialmath.NewPose(processedPosition, processedOrientation)
	a.debugPose("processed", a.cfg.FootprintFrame, processed)

	binInOdom, err := a.resolver.LookupTransform(ctx, a.cfg.OdometryFrame, a.cfg.BinFrame)
	if err != nil {
		return OdometryRecord{}, fmt.Errorf("%w: %w", ErrTargetLookup, err)
	}
	a.debugPose("relative transform", a.cfg.OdometryFrame, binInOdom)

	position, orientation := utils.PlanarProjection(utils.RelativePose(binInOdom, processed))
	a.debugParts("relative data", a.cfg.OdometryFrame, position, orientation)

	return OdometryRecord{
		FrameID:      a.cfg.OdometryFrame,
		ChildFrameID: a.cfg.FootprintFrame,
		Timestamp:    a.clock.Now(),
		Position:     position,
		Orientation:  orientation,
		Covariance:   utils.DiagonalCovariance(a.cfg.Variance),
		Source:       source,
	}, nil
}

func (a *Assembler) debugPose(stage, frame string, pose spatialmath.Pose) {
	a.debugParts(stage, frame, pose.Point(), pose.Orientation())
}

func (a *Assembler) debugParts(stage, frame string, pos r3.Vector, orientation spatialmath.Orientation) {
	if !a.cfg.Debug {
		return
	}
	q := orientation.Quaternion()
	a.logger.Infof("%s %s %f %f %f %f %f %f %f", stage, frame, pos.X, pos.Y, pos.Z, q.Imag, q.Jmag, q.Kmag, q.Real)
}
