package detectors

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/rimage/transform"
	goutils "go.viam.com/utils"

	"fiducialodom/utils"
)

// maxMarkerCount bounds number_found so the count always fits an int.
const maxMarkerCount = math.MaxInt32

// ErrNotReady is returned by a readiness probe that answered but is not accepting goals yet.
var ErrNotReady = errors.New("detector is not ready")

// DoCommander is the slice of resource.Resource used to talk to the detector module.
type DoCommander interface {
	DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error)
}

// DoCommandDetector sends goals to a fiducial detector resource over DoCommand.
//
// Goal:   {"command": "detect", "image": <base64>, "mime_type": ..., "camera_info": {...}}
// Result: {"number_found": n, "relative_pose": {"frame": ..., "translation": {...}, "orientation": {...}}}
type DoCommandDetector struct {
	name         string
	client       DoCommander
	pollInterval time.Duration
	logger       logging.Logger

	mu    sync.Mutex
	ready bool
}

// NewDoCommandDetector wraps the detector resource called name.
func NewDoCommandDetector(name string, client DoCommander, pollInterval time.Duration, logger logging.Logger) *DoCommandDetector {
	return &DoCommandDetector{
		name:         name,
		client:       client,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// WaitReady polls the detector until it reports ready. It waits indefinitely unless ctx is done.
func (d *DoCommandDetector) WaitReady(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready {
		return nil
	}

	d.logger.Infof("Waiting for detector %s", d.name)
	for {
		err := d.probe(ctx)
		if err == nil {
			d.ready = true
			d.logger.Infof("Connected to detector %s", d.name)
			return nil
		}
		d.logger.Debugf("Detector %s not ready: %v", d.name, err)
		if !goutils.SelectContextOrWait(ctx, d.pollInterval) {
			return ctx.Err()
		}
	}
}

func (d *DoCommandDetector) probe(ctx context.Context) error {
	resp, err := d.client.DoCommand(ctx, map[string]interface{}{"command": "ready"})
	if err != nil {
		return err
	}
	ready, ok := resp["ready"].(bool)
	if !ok || !ready {
		return ErrNotReady
	}
	return nil
}

type wirePose struct {
	Frame          string `mapstructure:"frame"`
	utils.PoseData `mapstructure:",squash"`
}

type detectResponse struct {
	NumberFound  float64   `mapstructure:"number_found"`
	RelativePose *wirePose `mapstructure:"relative_pose"`
}

// Detect sends one goal and waits for its result. The first call blocks on WaitReady.
func (d *DoCommandDetector) Detect(ctx context.Context, req Request) (Result, error) {
	if err := d.WaitReady(ctx); err != nil {
		return Result{}, err
	}
	if req.Intrinsics == nil {
		return Result{}, fmt.Errorf("detection goal from %s has no camera intrinsics", req.Source)
	}

	raw, err := d.client.DoCommand(ctx, map[string]interface{}{
		"command":     "detect",
		"image":       base64.StdEncoding.EncodeToString(req.Image),
		"mime_type":   req.MimeType,
		"camera_info": intrinsicsToMap(req.Intrinsics),
	})
	if err != nil {
		return Result{}, fmt.Errorf("detect on %s failed: %w", d.name, err)
	}
	return parseDetectResponse(raw)
}

func parseDetectResponse(raw map[string]interface{}) (Result, error) {
	var resp detectResponse
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &resp,
	})
	if err != nil {
		return Result{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Result{}, fmt.Errorf("malformed detection result: %w", err)
	}

	if math.IsInf(resp.NumberFound, 0) || resp.NumberFound < 0 || resp.NumberFound > maxMarkerCount ||
		resp.NumberFound != math.Trunc(resp.NumberFound) {
		return Result{}, fmt.Errorf("number_found must be a non-negative integer, got %v", resp.NumberFound)
	}
	count := int(resp.NumberFound)
	if count == 0 {
		return Result{Count: 0}, nil
	}
	if resp.RelativePose == nil {
		return Result{}, fmt.Errorf("detector found %d marker(s) but sent no relative_pose", count)
	}
	if resp.RelativePose.Frame == "" {
		return Result{}, errors.New("relative_pose is missing its frame")
	}

	return Result{
		Count: count,
		Pose:  referenceframe.NewPoseInFrame(resp.RelativePose.Frame, resp.RelativePose.ToPose()),
	}, nil
}

func intrinsicsToMap(in *transform.PinholeCameraIntrinsics) map[string]interface{} {
	return map[string]interface{}{
		"width_px":  in.Width,
		"height_px": in.Height,
		"fx":        in.Fx,
		"fy":        in.Fy,
		"ppx":       in.Ppx,
		"ppy":       in.Ppy,
	}
}
