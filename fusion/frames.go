package fusion

import (
	"context"

	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

// FrameCorrections rewrites the frame a detector reports before any transform is resolved. Some
// sensors report poses in an optical frame whose axis convention does not match the frame graph;
// their entry maps the optical frame onto the physical mount frame. Pose values are not touched.
type FrameCorrections map[string]string

// DefaultFrameCorrections covers the Kinect, which reports in its RGB optical frame.
func DefaultFrameCorrections() FrameCorrections {
	return FrameCorrections{"kinect_rgb_optical_frame": "kinect_link"}
}

// Normalize returns pose re-parented onto its corrected frame, or pose itself when no correction
// applies.
func (c FrameCorrections) Normalize(pose *referenceframe.PoseInFrame) *referenceframe.PoseInFrame {
	corrected, ok := c[pose.Parent()]
	if !ok {
		return pose
	}
	return referenceframe.NewPoseInFrame(corrected, pose.Pose())
}

// TransformResolver resolves poses through the robot's frame graph. Both calls block and may fail
// when the graph has no path between the frames.
type TransformResolver interface {
	// TransformPose re-expresses pose in targetFrame.
	TransformPose(ctx context.Context, pose *referenceframe.PoseInFrame, targetFrame string) (*referenceframe.PoseInFrame, error)
	// LookupTransform returns the pose of sourceFrame expressed in targetFrame.
	LookupTransform(ctx context.Context, targetFrame, sourceFrame string) (spatialmath.Pose, error)
}

// frameService is implemented by both the frame system service and a robot client.
type frameService interface {
	GetPose(ctx context.Context, componentName, destinationFrame string, supplementalTransforms []*referenceframe.LinkInFrame, extra map[string]interface{}) (*referenceframe.PoseInFrame, error)
	TransformPose(ctx context.Context, pose *referenceframe.PoseInFrame, dst string, supplementalTransforms []*referenceframe.LinkInFrame) (*referenceframe.PoseInFrame, error)
}

// FrameSystemResolver is a TransformResolver backed by the robot frame system.
type FrameSystemResolver struct {
	fs frameService
}

// NewFrameSystemResolver wraps a frame system service or robot client.
func NewFrameSystemResolver(fs frameService) *FrameSystemResolver {
	return &FrameSystemResolver{fs: fs}
}

func (r *FrameSystemResolver) TransformPose(ctx context.Context, pose *referenceframe.PoseInFrame, targetFrame string) (*referenceframe.PoseInFrame, error) {
	return r.fs.TransformPose(ctx, pose, targetFrame, []*referenceframe.LinkInFrame{})
}

func (r *FrameSystemResolver) LookupTransform(ctx context.Context, targetFrame, sourceFrame string) (spatialmath.Pose, error) {
	pif, err := r.fs.GetPose(ctx, sourceFrame, targetFrame, []*referenceframe.LinkInFrame{}, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	return pif.Pose(), nil
}
