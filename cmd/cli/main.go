package main

import (
	"context"
	fiducialodom "fiducialodom"
	"fiducialodom/models"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
)

const cycles = 10

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func realMain() error {
	ctx := context.Background()
	logger := logging.NewLogger("cli")

	// frames and resource names must match the remote machine config
	settle := 0.0
	cfg := models.Config{
		PrimaryCamera:    "rear-camera",
		SecondaryCamera:  "kinect",
		Detector:         "fiducial-detector",
		FootprintFrame:   "footprint",
		BinFrame:         "bin_footprint",
		OdometryFrame:    "odom",
		Debug:            true,
		StartupSettleSec: &settle,
	}

	thing, err := fiducialodom.NewFromMachine(ctx, sensor.Named("fiducial-odometry"), &cfg, logger)
	if err != nil {
		return err
	}
	defer thing.Close(ctx)

	for i := 0; i < cycles; i++ {
		resp, err := thing.DoCommand(ctx, map[string]interface{}{"command": "run-cycle"})
		if err != nil {
			return err
		}
		logger.Infof("cycle %d: %v", i, resp)
	}

	stats, err := thing.DoCommand(ctx, map[string]interface{}{"command": "get-stats"})
	if err != nil {
		return err
	}
	logger.Infof("stats: %v", stats["stats"])
	return nil
}
