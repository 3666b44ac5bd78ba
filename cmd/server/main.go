// Package main runs the mapping bridge against the in-memory fake engine
// with a simulated lidar, for demos and smoke testing.
package main

import (
	"context"
	"math"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	goutils "go.viam.com/utils"

	"go.viam.com/mapbridge/bridge"
	"go.viam.com/mapbridge/config"
	enginefake "go.viam.com/mapbridge/engine/fake"
	"go.viam.com/mapbridge/export"
	"go.viam.com/mapbridge/grid"
	"go.viam.com/mapbridge/ingest"
	"go.viam.com/mapbridge/spatial"
	"go.viam.com/mapbridge/tf"
)

var logger = golog.NewDevelopmentLogger("mapbridge_server")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	ExportDir  string  `flag:"export-dir,default=.,usage=directory for finished-trajectory assets"`
	Stem       string  `flag:"stem,default=demo,usage=name stem for exported assets"`
	RoomMeters float64 `flag:"room,default=8,usage=edge length of the simulated square room"`
	RateMs     int     `flag:"rate-ms,default=100,usage=simulated sensor period"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	opts := config.DefaultOptions()
	opts.Sensors = []string{"sim_lidar", "sim_odom"}
	opts.ExportDirectory = argsParsed.ExportDir

	resolver := tf.NewBuffer(opts.TrackingFrame)
	resolver.PublishStatic("sim_lidar_link", spatial.NewPoseFromPoint(r3.Vector{Z: 0.2}))

	eng := enginefake.NewEngine(logger)
	writer := export.NewFileWriter(opts.ExportDirectory, opts.Grid, grid.NewBuilder(), logger)

	b, err := bridge.New(ctx, opts, eng, resolver, writer, grid.NewBuilder(), logger)
	if err != nil {
		return err
	}

	runSimulation(ctx, b, argsParsed, logger)

	// write assets for whatever the simulated run collected, then tear down
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.FinishTrajectory(finishCtx, argsParsed.Stem); err != nil {
		logger.Errorw("finishing trajectory on shutdown", "error", err)
	}
	return b.Close(finishCtx)
}

// runSimulation drives a fake robot around the perimeter of a square room
// and feeds its lidar and odometry into the bridge until ctx is done.
func runSimulation(ctx context.Context, b *bridge.Bridge, args Arguments, logger golog.Logger) {
	period := time.Duration(args.RateMs) * time.Millisecond
	half := args.RoomMeters / 2

	goutils.ContextMainReadyFunc(ctx)()

	var step int
	lastList := time.Now()
	for goutils.SelectContextOrWait(ctx, period) {
		now := time.Now()
		angle := float64(step) * 0.05
		pose := spatial.NewPoseFromEulerAngles(r3.Vector{
			X: 0.6 * half * math.Cos(angle),
			Y: 0.6 * half * math.Sin(angle),
		}, 0, 0, angle+math.Pi/2)

		if err := b.ProcessOdometry(ctx, &ingest.OdometryReading{
			SensorID: "sim_odom",
			Time:     now,
			Pose:     pose,
		}); err != nil {
			logger.Warnw("odometry rejected", "error", err)
		}
		if err := b.ProcessRangeReadings(ctx, &ingest.RangeReadings{
			SensorID: "sim_lidar",
			FrameID:  "sim_lidar_link",
			Time:     now,
			Ranges:   simulateSweep(pose, half),
		}); err != nil {
			logger.Warnw("range readings rejected", "error", err)
		}
		step++

		if now.Sub(lastList) > 5*time.Second {
			lastList = now
			list, err := b.SubmapList(ctx)
			if err != nil {
				logger.Errorw("submap list failed", "error", err)
				continue
			}
			for _, traj := range list {
				logger.Infow("trajectory state",
					"trajectory", traj.Trajectory, "submaps", len(traj.Submaps))
			}
		}
	}
}

// simulateSweep casts rays from the robot pose to the walls of a square room
// of the given half edge length, returning hit points in the robot frame.
func simulateSweep(pose spatial.Pose, half float64) []r3.Vector {
	const rays = 90
	origin := pose.Point()
	inv := pose.Invert()

	pts := make([]r3.Vector, 0, rays)
	for i := 0; i < rays; i++ {
		theta := 2 * math.Pi * float64(i) / rays
		dx, dy := math.Cos(theta), math.Sin(theta)

		// distance to the nearest wall along this ray
		dist := math.Inf(1)
		if dx != 0 {
			dist = math.Min(dist, math.Max((half-origin.X)/dx, (-half-origin.X)/dx))
		}
		if dy != 0 {
			dist = math.Min(dist, math.Max((half-origin.Y)/dy, (-half-origin.Y)/dy))
		}
		if math.IsInf(dist, 1) || dist <= 0 {
			continue
		}
		hit := r3.Vector{X: origin.X + dist*dx, Y: origin.Y + dist*dy}
		pts = append(pts, inv.TransformPoint(hit))
	}
	return pts
}
