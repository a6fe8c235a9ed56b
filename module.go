// Package fiducialodom runs the fiducial odometry estimator against a remote machine instead of
// inside a module, which is handy when tuning frames and detector settings from a laptop.
package fiducialodom

import (
	"context"
	"fmt"

	"github.com/erh/vmodutils"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/robot"

	"fiducialodom/detectors"
	"fiducialodom/fusion"
	"fiducialodom/models"
	"fiducialodom/sources"
)

// RemoteOdometry is an odometry sensor whose collaborators live on a remote machine.
type RemoteOdometry struct {
	sensor.Sensor
	robotClient robot.Robot
}

// NewFromMachine connects to the machine described by the environment and builds the sensor
// from its cameras, detector and frame system. conf is validated here.
func NewFromMachine(ctx context.Context, name resource.Name, conf *models.Config, logger logging.Logger) (*RemoteOdometry, error) {
	if _, _, err := conf.Validate("remote"); err != nil {
		return nil, err
	}

	robotClient, err := vmodutils.ConnectToMachineFromEnv(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to robot: %w", err)
	}

	stages, err := stagesFromMachine(robotClient, conf, logger)
	if err != nil {
		return nil, multierr.Combine(err, robotClient.Close(ctx))
	}

	return &RemoteOdometry{
		Sensor:      models.NewWithStages(name, conf, stages, nil, logger),
		robotClient: robotClient,
	}, nil
}

// Close stops the estimator and disconnects from the machine.
func (r *RemoteOdometry) Close(ctx context.Context) error {
	return multierr.Combine(r.Sensor.Close(ctx), r.robotClient.Close(ctx))
}

func stagesFromMachine(robotClient robot.Robot, conf *models.Config, logger logging.Logger) (models.Stages, error) {
	primary, err := cameraFromMachine(robotClient, conf.PrimaryCamera)
	if err != nil {
		return models.Stages{}, err
	}
	secondary, err := cameraFromMachine(robotClient, conf.SecondaryCamera)
	if err != nil {
		return models.Stages{}, err
	}

	detectorResource, err := robotClient.ResourceByName(resource.NewName(generic.API, conf.Detector))
	if err != nil {
		return models.Stages{}, fmt.Errorf("failed to get detector %q: %w", conf.Detector, err)
	}

	return models.Stages{
		Primary:   sources.NewCameraSource(conf.PrimaryCamera, primary, nil),
		Secondary: sources.NewCameraSource(conf.SecondaryCamera, secondary, nil),
		Detector: detectors.NewDoCommandDetector(
			conf.Detector, detectorResource, conf.PollInterval(), logger.Sublogger("detector")),
		Resolver: fusion.NewFrameSystemResolver(robotClient),
	}, nil
}

func cameraFromMachine(robotClient robot.Robot, name string) (camera.Camera, error) {
	res, err := robotClient.ResourceByName(camera.Named(name))
	if err != nil {
		return nil, fmt.Errorf("failed to get camera %q: %w", name, err)
	}
	cam, ok := res.(camera.Camera)
	if !ok {
		return nil, fmt.Errorf("resource %q is a %T, not a camera", name, res)
	}
	return cam, nil
}
