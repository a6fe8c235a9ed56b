package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/robot/framesystem"
	rdk_utils "go.viam.com/utils"

	"fiducialodom/detectors"
	"fiducialodom/estimator"
	"fiducialodom/fusion"
	"fiducialodom/sources"
	"fiducialodom/stream"
	"fiducialodom/utils"
)

var (
	FiducialOdometry = resource.NewModel("viam", "fiducial-odometry", "fiducial-odometry")
	errNoOdometry    = errors.New("no odometry has been published yet")
)

const (
	defaultFootprintFrame   = "footprint"
	defaultBinFrame         = "bin_footprint"
	defaultOdometryFrame    = "odom"
	defaultUpdateRateHz     = 5.0
	defaultCovariance       = 0.1
	defaultReadyPollMs      = 500
	defaultStartupSettleSec = 2.0
)

func init() {
	resource.RegisterComponent(sensor.API, FiducialOdometry,
		resource.Registration[sensor.Sensor, *Config]{
			Constructor: newFiducialOdometry,
		},
	)
}

type Config struct {
	PrimaryCamera   string  `json:"primary_camera"`
	SecondaryCamera string  `json:"secondary_camera"`
	Detector        string  `json:"detector"`
	FootprintFrame  string  `json:"footprint_frame,omitempty"`
	BinFrame        string  `json:"bin_frame,omitempty"`
	OdometryFrame   string  `json:"odometry_frame,omitempty"`
	UpdateRateHz    float64 `json:"update_rate_hz,omitempty"`
	Debug           bool    `json:"debug,omitempty"`
	Covariance      float64 `json:"covariance,omitempty"`
	// Maps a frame reported by the detector onto the frame the transform lookup should use.
	// Omitted means the Kinect default; an empty object disables correction.
	FrameCorrections    map[string]string `json:"frame_corrections,omitempty"`
	EnableOnStart       bool              `json:"enable_on_start"`
	ReadyPollIntervalMs int               `json:"ready_poll_interval_ms,omitempty"`
	StartupSettleSec    *float64          `json:"startup_settle_sec,omitempty"`
	StreamPort          int               `json:"stream_port,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
// Returns implicit required (first return) and optional (second return) dependencies based on the config.
// The path is the JSON path in your robot's config (not the `Config` struct) to the
// resource being validated; e.g. "components.0".
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	var err error
	if cfg.PrimaryCamera == "" {
		err = multierr.Append(err, resource.NewConfigValidationFieldRequiredError(path, "primary_camera"))
	}
	if cfg.SecondaryCamera == "" {
		err = multierr.Append(err, resource.NewConfigValidationFieldRequiredError(path, "secondary_camera"))
	}
	if cfg.Detector == "" {
		err = multierr.Append(err, resource.NewConfigValidationFieldRequiredError(path, "detector"))
	}
	if cfg.PrimaryCamera != "" && cfg.PrimaryCamera == cfg.SecondaryCamera {
		err = multierr.Append(err, errors.New("primary_camera and secondary_camera must be different cameras"))
	}
	if err != nil {
		return nil, nil, err
	}

	if cfg.FootprintFrame == "" {
		cfg.FootprintFrame = defaultFootprintFrame
	}
	if cfg.BinFrame == "" {
		cfg.BinFrame = defaultBinFrame
	}
	if cfg.OdometryFrame == "" {
		cfg.OdometryFrame = defaultOdometryFrame
	}
	if cfg.UpdateRateHz == 0 {
		cfg.UpdateRateHz = defaultUpdateRateHz
	}
	if cfg.Covariance == 0 {
		cfg.Covariance = defaultCovariance
	}
	if cfg.FrameCorrections == nil {
		cfg.FrameCorrections = fusion.DefaultFrameCorrections()
	}
	if cfg.ReadyPollIntervalMs == 0 {
		cfg.ReadyPollIntervalMs = defaultReadyPollMs
	}
	if cfg.StartupSettleSec == nil {
		settle := defaultStartupSettleSec
		cfg.StartupSettleSec = &settle
	}

	if cfg.UpdateRateHz < 0 {
		err = multierr.Append(err, errors.New("update_rate_hz must be greater than 0"))
	}
	if cfg.ReadyPollIntervalMs < 0 {
		err = multierr.Append(err, errors.New("ready_poll_interval_ms must be greater than 0"))
	}
	if *cfg.StartupSettleSec < 0 {
		err = multierr.Append(err, errors.New("startup_settle_sec must not be negative"))
	}
	if cfg.StreamPort < 0 || cfg.StreamPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("stream_port %d is out of range", cfg.StreamPort))
	}
	err = multierr.Append(err, utils.ValidateVariance(cfg.Covariance))
	err = multierr.Append(err, utils.ValidateFrameCorrections(cfg.FrameCorrections))
	err = multierr.Append(err, utils.ValidateDistinctFrames(map[string]string{
		"footprint_frame": cfg.FootprintFrame,
		"bin_frame":       cfg.BinFrame,
		"odometry_frame":  cfg.OdometryFrame,
	}))
	if err != nil {
		return nil, nil, err
	}

	return []string{cfg.PrimaryCamera, cfg.SecondaryCamera, cfg.Detector}, nil, nil
}

// PollInterval is how often readiness probes are repeated.
func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.ReadyPollIntervalMs) * time.Millisecond
}

func (cfg *Config) settle() time.Duration {
	if cfg.StartupSettleSec == nil {
		return 0
	}
	return time.Duration(*cfg.StartupSettleSec * float64(time.Second))
}

// Stages are the collaborators of one odometry estimator. Cameras, the detector and the frame
// graph can come from module dependencies or from a remote machine client.
type Stages struct {
	Primary   sources.ImageSource
	Secondary sources.ImageSource
	Detector  detectors.Detector
	Resolver  fusion.TransformResolver
}

type fiducialOdometry struct {
	resource.AlwaysRebuild
	name resource.Name

	logger logging.Logger
	cfg    *Config
	clock  clock.Clock

	controller *estimator.Controller
	hub        *stream.Hub

	// manual cycles are serialized; ready is set once the startup barrier has passed
	cycleMu sync.Mutex
	ready   bool

	streamMu  sync.Mutex
	streamErr error

	worker *rdk_utils.StoppableWorkers
}

func newFiducialOdometry(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewFiducialOdometry(ctx, deps, rawConf.ResourceName(), conf, logger)
}

// NewFiducialOdometry resolves the cameras, the detector and the frame system from deps.
func NewFiducialOdometry(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (sensor.Sensor, error) {
	configJSON, _ := json.MarshalIndent(conf, "", "  ")
	logger.Debugf("Creating fiducial odometry with the following config:\n%s", configJSON)

	clk := clock.New()

	primaryCam, err := camera.FromDependencies(deps, conf.PrimaryCamera)
	if err != nil {
		return nil, fmt.Errorf("failed to get primary camera %q: %w", conf.PrimaryCamera, err)
	}
	secondaryCam, err := camera.FromDependencies(deps, conf.SecondaryCamera)
	if err != nil {
		return nil, fmt.Errorf("failed to get secondary camera %q: %w", conf.SecondaryCamera, err)
	}

	detectorResource, err := deps.GetResource(resource.NewName(generic.API, conf.Detector))
	if err != nil {
		return nil, fmt.Errorf("failed to get detector resource: %w", err)
	}

	frameSystemService, err := framesystem.FromDependencies(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to get frame system service: %w", err)
	}

	stages := Stages{
		Primary:   sources.NewCameraSource(conf.PrimaryCamera, primaryCam, clk),
		Secondary: sources.NewCameraSource(conf.SecondaryCamera, secondaryCam, clk),
		Detector: detectors.NewDoCommandDetector(
			conf.Detector, detectorResource, conf.PollInterval(), logger.Sublogger("detector")),
		Resolver: fusion.NewFrameSystemResolver(frameSystemService),
	}
	return NewWithStages(name, conf, stages, clk, logger), nil
}

// NewWithStages builds the sensor around already constructed stages. conf must have been
// validated. A nil clk uses the wall clock.
func NewWithStages(name resource.Name, conf *Config, stages Stages, clk clock.Clock, logger logging.Logger) sensor.Sensor {
	if clk == nil {
		clk = clock.New()
	}

	hub := stream.NewHub(logger.Sublogger("stream"))
	assembler := fusion.NewAssembler(fusion.Config{
		FootprintFrame: conf.FootprintFrame,
		BinFrame:       conf.BinFrame,
		OdometryFrame:  conf.OdometryFrame,
		Corrections:    fusion.FrameCorrections(conf.FrameCorrections),
		Variance:       conf.Covariance,
		Debug:          conf.Debug,
	}, stages.Resolver, clk, logger.Sublogger("fusion"))

	s := &fiducialOdometry{
		name:   name,
		logger: logger,
		cfg:    conf,
		clock:  clk,
		controller: estimator.NewController(
			stages.Primary, stages.Secondary, stages.Detector, assembler, hub, logger),
		hub:    hub,
		worker: rdk_utils.NewBackgroundStoppableWorkers(),
	}

	if conf.StreamPort > 0 {
		s.worker.Add(s.serveStream)
	}
	if conf.EnableOnStart {
		s.logger.Info("Starting fiducial odometry on start")
		s.worker.Add(s.odometryLoop)
	}

	return s
}

func (s *fiducialOdometry) Name() resource.Name {
	return s.name
}

// Readings returns the most recent odometry record.
func (s *fiducialOdometry) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	record, ok := s.hub.Latest()
	if !ok {
		return nil, errNoOdometry
	}
	return record.ToMap(), nil
}

func (s *fiducialOdometry) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	s.logger.Debugf("DoCommand: %+v", cmd)
	switch cmd["command"] {
	case "get-odometry":
		record, ok := s.hub.Latest()
		if !ok {
			return nil, errNoOdometry
		}
		return map[string]interface{}{"odometry": record.ToMap()}, nil

	case "get-stats":
		stats := map[string]interface{}{}
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: &stats})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(s.controller.Stats()); err != nil {
			return nil, fmt.Errorf("failed to encode stats: %w", err)
		}
		return map[string]interface{}{"stats": stats}, nil

	case "run-cycle":
		if s.cfg.EnableOnStart {
			return nil, errors.New("cannot run a manual cycle if enable_on_start is set to true")
		}
		s.cycleMu.Lock()
		defer s.cycleMu.Unlock()
		if !s.ready {
			if err := s.controller.WaitReady(ctx, s.cfg.PollInterval(), s.cfg.settle()); err != nil {
				return nil, fmt.Errorf("waiting for cameras and detector: %w", err)
			}
			s.ready = true
		}
		outcome := s.controller.RunCycle(ctx)
		resp := map[string]interface{}{"outcome": outcome.String()}
		if outcome == estimator.Published {
			if record, ok := s.hub.Latest(); ok {
				resp["odometry"] = record.ToMap()
			}
		}
		return resp, nil

	default:
		return nil, fmt.Errorf("invalid command: %v", cmd["command"])
	}
}

// Close implements resource.Resource.
func (s *fiducialOdometry) Close(ctx context.Context) error {
	s.worker.Stop()
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.streamErr
}

func (s *fiducialOdometry) odometryLoop(ctx context.Context) {
	if err := s.controller.WaitReady(ctx, s.cfg.PollInterval(), s.cfg.settle()); err != nil {
		s.logger.Debugf("Stopped before becoming ready: %v", err)
		return
	}
	s.controller.Run(ctx, s.clock, s.cfg.UpdateRateHz)
}

func (s *fiducialOdometry) serveStream(ctx context.Context) {
	err := s.hub.ListenAndServe(ctx, fmt.Sprintf(":%d", s.cfg.StreamPort))
	if err != nil {
		s.logger.Errorf("Odometry stream stopped: %v", err)
		s.streamMu.Lock()
		s.streamErr = multierr.Append(s.streamErr, fmt.Errorf("odometry stream: %w", err))
		s.streamMu.Unlock()
	}
}
