package utils

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// DefaultPoseEpsilon is the tolerance used when comparing rigid transforms.
const DefaultPoseEpsilon = 1e-6

// PoseData is the wire shape of a rigid transform, shared by the detector protocol and the
// odometry readings.
type PoseData struct {
	Translation struct {
		X float64 `json:"x" mapstructure:"x"`
		Y float64 `json:"y" mapstructure:"y"`
		Z float64 `json:"z" mapstructure:"z"`
	} `json:"translation" mapstructure:"translation"`
	Orientation struct {
		W float64 `json:"w" mapstructure:"w"` // Real component
		X float64 `json:"x" mapstructure:"x"` // Imag
		Y float64 `json:"y" mapstructure:"y"` // Jmag
		Z float64 `json:"z" mapstructure:"z"` // Kmag
	} `json:"orientation" mapstructure:"orientation"`
}

// ToPose converts the wire shape to a spatialmath.Pose. The quaternion is normalized; an all-zero
// quaternion is read as the identity rotation.
func (p *PoseData) ToPose() spatialmath.Pose {
	translation := r3.Vector{
		X: p.Translation.X,
		Y: p.Translation.Y,
		Z: p.Translation.Z,
	}

	w, x, y, z := p.Orientation.W, p.Orientation.X, p.Orientation.Y, p.Orientation.Z
	norm := math.Sqrt(w*w + x*x + y*y + z*z)
	if norm == 0 {
		return spatialmath.NewPoseFromPoint(translation)
	}

	orientation := &spatialmath.Quaternion{
		Real: w / norm,
		Imag: x / norm,
		Jmag: y / norm,
		Kmag: z / norm,
	}
	return spatialmath.NewPose(translation, orientation)
}

// PoseDataFromPose is the inverse of ToPose.
func PoseDataFromPose(pose spatialmath.Pose) PoseData {
	return PoseDataFromParts(pose.Point(), pose.Orientation())
}

// PoseDataFromParts builds the wire shape from a translation and orientation; the translation is
// copied exactly.
func PoseDataFromParts(position r3.Vector, orientation spatialmath.Orientation) PoseData {
	var data PoseData
	ori := quaternionOf(orientation)
	data.Translation.X = position.X
	data.Translation.Y = position.Y
	data.Translation.Z = position.Z
	data.Orientation.W = ori.Real
	data.Orientation.X = ori.Imag
	data.Orientation.Y = ori.Jmag
	data.Orientation.Z = ori.Kmag
	return data
}

// Helper to convert spatialmath.Pose to a user-friendly map
func PoseToMap(pose spatialmath.Pose) map[string]interface{} {
	if pose == nil {
		return nil
	}
	return PartsToMap(pose.Point(), pose.Orientation())
}

// PartsToMap is PoseToMap for a translation and orientation held separately.
func PartsToMap(position r3.Vector, orientation spatialmath.Orientation) map[string]interface{} {
	ori := quaternionOf(orientation)
	return map[string]interface{}{
		"translation": map[string]interface{}{
			"x": position.X,
			"y": position.Y,
			"z": position.Z,
		},
		"orientation": map[string]interface{}{
			"w": ori.Real,
			"x": ori.Imag,
			"y": ori.Jmag,
			"z": ori.Kmag,
		},
	}
}

func quaternionOf(orientation spatialmath.Orientation) *spatialmath.Quaternion {
	if orientation == nil {
		orientation = spatialmath.NewZeroOrientation()
	}
	return orientation.Quaternion()
}

// PlanarProjection drops the pose onto the ground plane. The returned position has z set to
// exactly 0; the orientation is kept as-is. A spatialmath.Pose rebuilt from the two may carry
// round-off in z again.
func PlanarProjection(pose spatialmath.Pose) (r3.Vector, spatialmath.Orientation) {
	pos := pose.Point()
	return r3.Vector{X: pos.X, Y: pos.Y, Z: 0}, pose.Orientation()
}

// RelativePose expresses pose as seen from reference: inverse(reference) ∘ pose.
func RelativePose(reference, pose spatialmath.Pose) spatialmath.Pose {
	return spatialmath.Compose(spatialmath.PoseInverse(reference), pose)
}

// IsIdentity reports whether pose is the identity transform within eps.
func IsIdentity(pose spatialmath.Pose, eps float64) bool {
	return spatialmath.PoseAlmostEqualEps(pose, spatialmath.NewZeroPose(), eps)
}
