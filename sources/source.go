// Package sources fetches on-demand camera snapshots (image plus intrinsics) for the detector.
package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage/transform"
	goutils "go.viam.com/utils"
)

// ErrNoImages is returned when a camera answers without any image.
var ErrNoImages = errors.New("no images returned from camera")

// Snapshot is one image and the calibration of the camera that took it. It belongs to the cycle
// that fetched it.
type Snapshot struct {
	Source     string
	Image      []byte
	MimeType   string
	Intrinsics *transform.PinholeCameraIntrinsics
	CapturedAt time.Time
}

// ImageSource is a single camera endpoint queried synchronously.
type ImageSource interface {
	Name() string
	FetchSnapshot(ctx context.Context) (Snapshot, error)
}

// imageCamera is the part of camera.Camera the adapter needs.
type imageCamera interface {
	Images(ctx context.Context, filterSourceNames []string, extra map[string]interface{}) ([]camera.NamedImage, resource.ResponseMetadata, error)
	Properties(ctx context.Context) (camera.Properties, error)
}

// CameraSource adapts an rdk camera to ImageSource.
type CameraSource struct {
	name  string
	cam   imageCamera
	clock clock.Clock
}

// NewCameraSource wraps cam. A nil clock uses the wall clock.
func NewCameraSource(name string, cam imageCamera, clk clock.Clock) *CameraSource {
	if clk == nil {
		clk = clock.New()
	}
	return &CameraSource{name: name, cam: cam, clock: clk}
}

// Name returns the camera resource name.
func (s *CameraSource) Name() string {
	return s.name
}

// FetchSnapshot grabs the first image the camera returns together with its intrinsics.
func (s *CameraSource) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	props, err := s.cam.Properties(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get properties from %s: %w", s.name, err)
	}
	if props.IntrinsicParams == nil {
		return Snapshot{}, fmt.Errorf("camera %s has no intrinsic parameters", s.name)
	}

	imgs, _, err := s.cam.Images(ctx, nil, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get images from %s: %w", s.name, err)
	}
	if len(imgs) == 0 {
		return Snapshot{}, fmt.Errorf("%s: %w", s.name, ErrNoImages)
	}

	data, err := imgs[0].Bytes(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to encode image from %s: %w", s.name, err)
	}

	return Snapshot{
		Source:     s.name,
		Image:      data,
		MimeType:   imgs[0].MimeType(),
		Intrinsics: props.IntrinsicParams,
		CapturedAt: s.clock.Now(),
	}, nil
}

// WaitUntilReachable blocks until src returns a snapshot once. It only gives up when ctx is done.
func WaitUntilReachable(ctx context.Context, src ImageSource, interval time.Duration, logger logging.Logger) error {
	for attempt := 1; ; attempt++ {
		_, err := src.FetchSnapshot(ctx)
		if err == nil {
			logger.Infof("Camera %s reachable after %d attempt(s)", src.Name(), attempt)
			return nil
		}
		logger.Debugf("Camera %s not reachable yet: %v", src.Name(), err)
		if !goutils.SelectContextOrWait(ctx, interval) {
			return ctx.Err()
		}
	}
}
