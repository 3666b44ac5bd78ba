// Package ingest converts middleware-side sensor readings into engine
// samples and forwards them to one trajectory.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.viam.com/mapbridge/engine"
	"go.viam.com/mapbridge/spatial"
	"go.viam.com/mapbridge/tf"
)

// ErrInactiveTrajectory is returned when samples are offered to a trajectory
// that has been finished.
var ErrInactiveTrajectory = errors.New("inactive trajectory")

// RangeReadings is one set of range measurements in the sensor's own frame.
type RangeReadings struct {
	SensorID string
	FrameID  string
	Time     time.Time
	Ranges   []r3.Vector
}

// IMUReading is one inertial measurement in the sensor's own frame.
type IMUReading struct {
	SensorID           string
	FrameID            string
	Time               time.Time
	LinearAcceleration r3.Vector
	AngularVelocity    r3.Vector
}

// OdometryReading is the pose of FrameID in the odometry frame.
type OdometryReading struct {
	SensorID string
	FrameID  string
	Time     time.Time
	Pose     spatial.Pose
}

// Adapter is bound 1:1 to one engine trajectory. It resolves each reading's
// frame against the tracking frame, converts the reading into the engine's
// native sample type, and feeds it to the trajectory.
//
// The engine's per-trajectory ingestion entry point is not safe for
// concurrent callers, so all Process calls are serialized by an internal
// mutex.
type Adapter struct {
	trajectoryID  engine.TrajectoryID
	trackingFrame string
	lookupTimeout time.Duration
	resolver      tf.Resolver
	engine        engine.MapEngine
	logger        golog.Logger

	mu     sync.Mutex
	closed bool
}

// NewAdapter binds an adapter to the given trajectory.
func NewAdapter(
	trajectoryID engine.TrajectoryID,
	trackingFrame string,
	lookupTimeout time.Duration,
	resolver tf.Resolver,
	mapEngine engine.MapEngine,
	logger golog.Logger,
) *Adapter {
	return &Adapter{
		trajectoryID:  trajectoryID,
		trackingFrame: trackingFrame,
		lookupTimeout: lookupTimeout,
		resolver:      resolver,
		engine:        mapEngine,
		logger:        logger,
	}
}

// TrajectoryID returns the trajectory this adapter feeds.
func (a *Adapter) TrajectoryID() engine.TrajectoryID {
	return a.trajectoryID
}

// Close stops the adapter from accepting further readings. It does not
// touch the engine; finalizing the trajectory is the bridge's job.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

// ProcessRangeReadings converts a set of range measurements into the
// tracking frame and ingests them. A transform lookup timeout drops the
// reading and returns tf.ErrLookupTimeout wrapped; ingestion stays usable.
func (a *Adapter) ProcessRangeReadings(ctx context.Context, readings *RangeReadings) error {
	ctx, span := trace.StartSpan(ctx, "ingest::Adapter::ProcessRangeReadings")
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.Wrapf(ErrInactiveTrajectory, "trajectory %d", a.trajectoryID)
	}

	sensorToTracking, err := a.resolve(ctx, readings.FrameID, readings.Time)
	if err != nil {
		a.logger.Warnw("dropping range reading",
			"sensor", readings.SensorID, "frame", readings.FrameID, "error", err)
		return err
	}

	converted := make([]r3.Vector, len(readings.Ranges))
	for i, pt := range readings.Ranges {
		converted[i] = sensorToTracking.TransformPoint(pt)
	}
	return a.engine.IngestSample(ctx, a.trajectoryID, &engine.RangeSample{
		Sensor:  readings.SensorID,
		Time:    readings.Time,
		Origin:  sensorToTracking.Point(),
		Returns: converted,
	})
}

// ProcessIMU rotates an inertial reading into the tracking frame and ingests
// it. Translation between the IMU and the tracking frame is ignored; the
// engine expects the IMU to be mounted near the tracking origin.
func (a *Adapter) ProcessIMU(ctx context.Context, reading *IMUReading) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.Wrapf(ErrInactiveTrajectory, "trajectory %d", a.trajectoryID)
	}

	sensorToTracking, err := a.resolve(ctx, reading.FrameID, reading.Time)
	if err != nil {
		a.logger.Warnw("dropping IMU reading",
			"sensor", reading.SensorID, "frame", reading.FrameID, "error", err)
		return err
	}

	rotation := spatial.NewPose(r3.Vector{}, sensorToTracking.Rotation())
	return a.engine.IngestSample(ctx, a.trajectoryID, &engine.IMUSample{
		Sensor:             reading.SensorID,
		Time:               reading.Time,
		LinearAcceleration: rotation.TransformPoint(reading.LinearAcceleration),
		AngularVelocity:    rotation.TransformPoint(reading.AngularVelocity),
	})
}

// ProcessOdometry rebases an odometry pose onto the tracking frame and
// ingests it.
func (a *Adapter) ProcessOdometry(ctx context.Context, reading *OdometryReading) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.Wrapf(ErrInactiveTrajectory, "trajectory %d", a.trajectoryID)
	}

	frameToTracking, err := a.resolve(ctx, reading.FrameID, reading.Time)
	if err != nil {
		a.logger.Warnw("dropping odometry reading",
			"sensor", reading.SensorID, "frame", reading.FrameID, "error", err)
		return err
	}

	return a.engine.IngestSample(ctx, a.trajectoryID, &engine.OdometrySample{
		Sensor: reading.SensorID,
		Time:   reading.Time,
		Pose:   spatial.Compose(reading.Pose, frameToTracking.Invert()),
	})
}

func (a *Adapter) resolve(ctx context.Context, frame string, at time.Time) (spatial.Pose, error) {
	if frame == "" || frame == a.trackingFrame {
		return spatial.NewZeroPose(), nil
	}
	return a.resolver.Lookup(ctx, frame, at, a.lookupTimeout)
}
