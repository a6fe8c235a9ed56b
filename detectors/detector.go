// Package detectors is the client side of the external fiducial-marker detection service.
package detectors

import (
	"context"

	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/rimage/transform"

	"fiducialodom/sources"
)

// Request is a single detection goal built from one snapshot.
type Request struct {
	Source     string
	Image      []byte
	MimeType   string
	Intrinsics *transform.PinholeCameraIntrinsics
}

// NewRequest builds a detection goal from a snapshot.
func NewRequest(snapshot sources.Snapshot) Request {
	return Request{
		Source:     snapshot.Source,
		Image:      snapshot.Image,
		MimeType:   snapshot.MimeType,
		Intrinsics: snapshot.Intrinsics,
	}
}

// Result is what the detector reports for one goal. Pose is only meaningful when Count > 0 and
// carries the frame the detector measured it in.
type Result struct {
	Count int
	Pose  *referenceframe.PoseInFrame
}

// Found reports whether at least one marker was seen.
func (r Result) Found() bool {
	return r.Count > 0 && r.Pose != nil
}

// Detector answers detection goals. Zero markers is a normal result, not an error.
type Detector interface {
	// WaitReady blocks until the detector accepts goals. Only the first call waits.
	WaitReady(ctx context.Context) error
	Detect(ctx context.Context, req Request) (Result, error)
}
