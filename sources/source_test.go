package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/test"
)

type fakeCamera struct {
	props    camera.Properties
	propsErr error
	images   []camera.NamedImage
	imgErr   error
	calls    int
}

func (c *fakeCamera) Images(ctx context.Context, filterSourceNames []string, extra map[string]interface{}) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	c.calls++
	return c.images, resource.ResponseMetadata{}, c.imgErr
}

func (c *fakeCamera) Properties(ctx context.Context) (camera.Properties, error) {
	return c.props, c.propsErr
}

var intrinsics = &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}

func TestCameraSourceFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("properties error", func(t *testing.T) {
		src := NewCameraSource("rear_cam", &fakeCamera{propsErr: errors.New("offline")}, nil)
		_, err := src.FetchSnapshot(ctx)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "rear_cam")
	})

	t.Run("missing intrinsics", func(t *testing.T) {
		cam := &fakeCamera{}
		src := NewCameraSource("rear_cam", cam, nil)
		_, err := src.FetchSnapshot(ctx)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, cam.calls, test.ShouldEqual, 0)
	})

	t.Run("images error", func(t *testing.T) {
		cam := &fakeCamera{props: camera.Properties{IntrinsicParams: intrinsics}, imgErr: errors.New("timeout")}
		_, err := NewCameraSource("kinect", cam, nil).FetchSnapshot(ctx)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "timeout")
	})

	t.Run("no images", func(t *testing.T) {
		cam := &fakeCamera{props: camera.Properties{IntrinsicParams: intrinsics}}
		_, err := NewCameraSource("kinect", cam, nil).FetchSnapshot(ctx)
		test.That(t, errors.Is(err, ErrNoImages), test.ShouldBeTrue)
	})
}

type flakySource struct {
	failures int
	calls    int
}

func (f *flakySource) Name() string { return "flaky" }

func (f *flakySource) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	f.calls++
	if f.calls <= f.failures {
		return Snapshot{}, errors.New("service unavailable")
	}
	return Snapshot{Source: "flaky", Intrinsics: intrinsics}, nil
}

func TestWaitUntilReachable(t *testing.T) {
	logger := logging.NewTestLogger(t)

	src := &flakySource{failures: 3}
	err := WaitUntilReachable(context.Background(), src, time.Millisecond, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, src.calls, test.ShouldEqual, 4)
}

func TestWaitUntilReachableCancelled(t *testing.T) {
	logger := logging.NewTestLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	src := &flakySource{failures: 1 << 30}
	err := WaitUntilReachable(ctx, src, time.Millisecond, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, src.calls, test.ShouldBeGreaterThan, 0)
}
