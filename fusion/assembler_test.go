package fusion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"fiducialodom/detectors"
	"fiducialodom/utils"
)

// fakeResolver answers TransformPose from a per-frame table and LookupTransform with a fixed pose.
type fakeResolver struct {
	footprintByFrame map[string]spatialmath.Pose
	transformErr     error
	bin              spatialmath.Pose
	lookupErr        error

	transformFrames []string
	lookups         [][2]string
}

func (f *fakeResolver) TransformPose(ctx context.Context, pose *referenceframe.PoseInFrame, targetFrame string) (*referenceframe.PoseInFrame, error) {
	f.transformFrames = append(f.transformFrames, pose.Parent())
	if f.transformErr != nil {
		return nil, f.transformErr
	}
	out, ok := f.footprintByFrame[pose.Parent()]
	if !ok {
		return nil, errors.New("no path from " + pose.Parent())
	}
	return referenceframe.NewPoseInFrame(targetFrame, out), nil
}

func (f *fakeResolver) LookupTransform(ctx context.Context, targetFrame, sourceFrame string) (spatialmath.Pose, error) {
	f.lookups = append(f.lookups, [2]string{targetFrame, sourceFrame})
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.bin, nil
}

func testConfig() Config {
	return Config{
		FootprintFrame: "footprint",
		BinFrame:       "bin_footprint",
		OdometryFrame:  "odom",
		Corrections:    DefaultFrameCorrections(),
		Variance:       0.1,
		Debug:          true,
	}
}

func detection(frame string, x, y, z float64) detectors.Result {
	return detectors.Result{
		Count: 1,
		Pose:  referenceframe.NewPoseInFrame(frame, spatialmath.NewPoseFromPoint(r3.Vector{X: x, Y: y, Z: z})),
	}
}

func TestAssembleEndToEnd(t *testing.T) {
	logger := logging.NewTestLogger(t)
	clk := clock.NewMock()
	clk.Set(time.Date(2019, 5, 1, 12, 0, 0, 0, time.UTC))

	resolver := &fakeResolver{
		footprintByFrame: map[string]spatialmath.Pose{
			"camera_link": spatialmath.NewPoseFromPoint(r3.Vector{X: 1.2, Y: 0.1, Z: 0.5}),
		},
		bin: spatialmath.NewZeroPose(),
	}
	a := NewAssembler(testConfig(), resolver, clk, logger)

	record, err := a.Assemble(context.Background(), detection("camera_link", 1.0, 0.0, 0.5), "rear_cam")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, record.FrameID, test.ShouldEqual, "odom")
	test.That(t, record.ChildFrameID, test.ShouldEqual, "footprint")
	test.That(t, record.Source, test.ShouldEqual, "rear_cam")
	test.That(t, record.Timestamp.Equal(clk.Now()), test.ShouldBeTrue)
	test.That(t, record.Position.Z, test.ShouldEqual, 0.0)
	test.That(t, spatialmath.PoseAlmostEqual(record.Pose(), spatialmath.NewPoseFromPoint(r3.Vector{X: 1.2, Y: 0.1})), test.ShouldBeTrue)

	flat := utils.CovarianceRowMajor(record.Covariance)
	test.That(t, flat, test.ShouldResemble, utils.CovarianceRowMajor(utils.DiagonalCovariance(0.1)))

	test.That(t, resolver.transformFrames, test.ShouldResemble, []string{"camera_link"})
	test.That(t, resolver.lookups, test.ShouldResemble, [][2]string{{"odom", "bin_footprint"}})
}

func TestAssembleRelativeToBin(t *testing.T) {
	logger := logging.NewTestLogger(t)
	// Bin 2000 along x in odom, turned 180 degrees; the robot 500 along odom x is 1500 in front of it.
	resolver := &fakeResolver{
		footprintByFrame: map[string]spatialmath.Pose{
			"camera_link": spatialmath.NewPoseFromPoint(r3.Vector{X: 500, Z: 300}),
		},
		bin: spatialmath.NewPose(r3.Vector{X: 2000}, &spatialmath.OrientationVectorDegrees{OZ: 1, Theta: 180}),
	}
	a := NewAssembler(testConfig(), resolver, nil, logger)

	record, err := a.Assemble(context.Background(), detection("camera_link", 0, 0, 0), "rear_cam")
	test.That(t, err, test.ShouldBeNil)
	pos := record.Position
	test.That(t, pos.X, test.ShouldAlmostEqual, 1500, 1e-6)
	test.That(t, pos.Y, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, pos.Z, test.ShouldEqual, 0.0)
}

func TestAssembleRotatedPosesStayOnGround(t *testing.T) {
	logger := logging.NewTestLogger(t)
	footprintOrientation := &spatialmath.OrientationVectorDegrees{OX: 0.2, OY: 0.1, OZ: 1, Theta: 30}
	bin := spatialmath.NewPose(r3.Vector{X: 2, Y: 1, Z: 0.3}, &spatialmath.OrientationVectorDegrees{OZ: 1, Theta: 45})
	resolver := &fakeResolver{
		footprintByFrame: map[string]spatialmath.Pose{
			"camera_link": spatialmath.NewPose(r3.Vector{X: 1.2, Y: 0.1, Z: 0.5}, footprintOrientation),
		},
		bin: bin,
	}
	a := NewAssembler(testConfig(), resolver, nil, logger)

	record, err := a.Assemble(context.Background(), detection("camera_link", 1, 0, 0.5), "kinect")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, record.Position.Z, test.ShouldEqual, 0.0)

	expected := utils.RelativePose(bin, spatialmath.NewPose(r3.Vector{X: 1.2, Y: 0.1}, footprintOrientation))
	test.That(t, record.Position.X, test.ShouldAlmostEqual, expected.Point().X, 1e-9)
	test.That(t, record.Position.Y, test.ShouldAlmostEqual, expected.Point().Y, 1e-9)
	test.That(t, spatialmath.OrientationAlmostEqual(record.Orientation, expected.Orientation()), test.ShouldBeTrue)

	translation := record.ToMap()["pose"].(map[string]interface{})["translation"].(map[string]interface{})
	test.That(t, translation["z"], test.ShouldEqual, 0.0)
}

func TestAssembleAppliesFrameCorrection(t *testing.T) {
	logger := logging.NewTestLogger(t)
	newResolver := func() *fakeResolver {
		return &fakeResolver{
			footprintByFrame: map[string]spatialmath.Pose{
				// The optical frame has its axes flipped relative to the mount frame.
				"kinect_rgb_optical_frame": spatialmath.NewPoseFromPoint(r3.Vector{X: -800, Y: 200, Z: 400}),
				"kinect_link":              spatialmath.NewPoseFromPoint(r3.Vector{X: 800, Y: -200, Z: 400}),
			},
			bin: spatialmath.NewZeroPose(),
		}
	}

	corrected := newResolver()
	a := NewAssembler(testConfig(), corrected, nil, logger)
	withCorrection, err := a.Assemble(context.Background(), detection("kinect_rgb_optical_frame", 0, 0, 1000), "kinect")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, corrected.transformFrames, test.ShouldResemble, []string{"kinect_link"})

	naiveCfg := testConfig()
	naiveCfg.Corrections = nil
	naive := newResolver()
	withoutCorrection, err := NewAssembler(naiveCfg, naive, nil, logger).Assemble(context.Background(), detection("kinect_rgb_optical_frame", 0, 0, 1000), "kinect")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, naive.transformFrames, test.ShouldResemble, []string{"kinect_rgb_optical_frame"})

	test.That(t, spatialmath.PoseAlmostEqual(withCorrection.Pose(), withoutCorrection.Pose()), test.ShouldBeFalse)
	test.That(t, withCorrection.Position.X, test.ShouldAlmostEqual, 800, 1e-6)
}

func TestAssembleFailures(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("empty detection", func(t *testing.T) {
		resolver := &fakeResolver{bin: spatialmath.NewZeroPose()}
		_, err := NewAssembler(testConfig(), resolver, nil, logger).Assemble(context.Background(), detectors.Result{}, "rear_cam")
		test.That(t, errors.Is(err, ErrNoDetection), test.ShouldBeTrue)
		test.That(t, resolver.transformFrames, test.ShouldBeEmpty)
	})

	t.Run("footprint transform fails", func(t *testing.T) {
		resolver := &fakeResolver{transformErr: errors.New("extrapolation into the future"), bin: spatialmath.NewZeroPose()}
		_, err := NewAssembler(testConfig(), resolver, nil, logger).Assemble(context.Background(), detection("camera_link", 1, 0, 0), "rear_cam")
		test.That(t, errors.Is(err, ErrFootprintTransform), test.ShouldBeTrue)
		test.That(t, resolver.lookups, test.ShouldBeEmpty)
	})

	t.Run("bin lookup fails", func(t *testing.T) {
		resolver := &fakeResolver{
			footprintByFrame: map[string]spatialmath.Pose{"camera_link": spatialmath.NewZeroPose()},
			lookupErr:        errors.New("frame bin_footprint does not exist"),
		}
		_, err := NewAssembler(testConfig(), resolver, nil, logger).Assemble(context.Background(), detection("camera_link", 1, 0, 0), "rear_cam")
		test.That(t, errors.Is(err, ErrTargetLookup), test.ShouldBeTrue)
	})
}

func TestFrameCorrectionsNormalize(t *testing.T) {
	pose := spatialmath.NewPoseFromPoint(r3.Vector{X: 1, Y: 2, Z: 3})
	in := referenceframe.NewPoseInFrame("kinect_rgb_optical_frame", pose)

	out := DefaultFrameCorrections().Normalize(in)
	test.That(t, out.Parent(), test.ShouldEqual, "kinect_link")
	test.That(t, spatialmath.PoseAlmostEqual(out.Pose(), pose), test.ShouldBeTrue)
	test.That(t, in.Parent(), test.ShouldEqual, "kinect_rgb_optical_frame")

	other := referenceframe.NewPoseInFrame("camera_link", pose)
	test.That(t, DefaultFrameCorrections().Normalize(other), test.ShouldEqual, other)
	test.That(t, FrameCorrections(nil).Normalize(in), test.ShouldEqual, in)
}

func TestOdometryRecordToMap(t *testing.T) {
	record := OdometryRecord{
		FrameID:      "odom",
		ChildFrameID: "footprint",
		Timestamp:    time.Date(2019, 5, 1, 12, 0, 0, 0, time.UTC),
		Position:     r3.Vector{X: 1.2, Y: 0.1},
		Orientation:  spatialmath.NewZeroOrientation(),
		Covariance:   utils.DiagonalCovariance(0.1),
		Source:       "kinect",
	}
	m := record.ToMap()
	test.That(t, m["frame_id"], test.ShouldEqual, "odom")
	test.That(t, m["child_frame_id"], test.ShouldEqual, "footprint")
	test.That(t, m["timestamp"], test.ShouldEqual, "2019-05-01T12:00:00Z")
	test.That(t, m["source"], test.ShouldEqual, "kinect")
	test.That(t, len(m["covariance"].([]interface{})), test.ShouldEqual, 36)
}
