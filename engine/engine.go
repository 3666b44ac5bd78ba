// Package engine declares the contract of the wrapped SLAM engine: trajectory
// creation and teardown, per-trajectory submap storage, and the global
// pose-graph optimizer. The bridge consumes this contract; it never reaches
// into engine internals.
package engine

import (
	"context"
	"time"

	"github.com/golang/geo/r3"

	"go.viam.com/mapbridge/spatial"
)

// TrajectoryID identifies one trajectory for the lifetime of the mapping
// process. IDs are assigned from a monotonically increasing counter and are
// never reused, even after the trajectory is finished, so stale references
// fail closed.
type TrajectoryID int

// SubmapID identifies one submap within one trajectory. Indices are assigned
// densely and monotonically as submaps are created.
type SubmapID struct {
	Trajectory TrajectoryID
	Index      int
}

// SubmapSnapshot is a point-in-time read of a submap's content plus its pose
// in the trajectory's local submap frame. Version is the index of the last
// scan ingested into the submap and is non-decreasing across reads.
type SubmapSnapshot struct {
	Version    int
	Cells      []byte
	Width      int
	Height     int
	Resolution float64
	SlicePose  spatial.Pose
}

// TrajectoryNode is one optimized pose estimate with the range data attached
// to it, in the tracking frame at ingestion time.
type TrajectoryNode struct {
	Trajectory TrajectoryID
	Time       time.Time
	GlobalPose spatial.Pose
	RangeData  []r3.Vector
}

// Sample is a sensor sample in the engine's native representation, with all
// geometry already expressed in the tracking frame.
type Sample interface {
	SensorID() string
	isSample()
}

// RangeSample is one set of range measurements (e.g. a lidar sweep).
type RangeSample struct {
	Sensor string
	Time   time.Time
	// Origin is the sensor origin in the tracking frame.
	Origin r3.Vector
	// Returns are the range returns in the tracking frame.
	Returns []r3.Vector
}

// IMUSample is one inertial measurement.
type IMUSample struct {
	Sensor             string
	Time               time.Time
	LinearAcceleration r3.Vector
	AngularVelocity    r3.Vector
}

// OdometrySample is one odometry pose estimate of the tracking frame.
type OdometrySample struct {
	Sensor string
	Time   time.Time
	Pose   spatial.Pose
}

// SensorID returns the ID of the sensor that produced the sample.
func (s *RangeSample) SensorID() string { return s.Sensor }

// SensorID returns the ID of the sensor that produced the sample.
func (s *IMUSample) SensorID() string { return s.Sensor }

// SensorID returns the ID of the sensor that produced the sample.
func (s *OdometrySample) SensorID() string { return s.Sensor }

func (s *RangeSample) isSample()    {}
func (s *IMUSample) isSample()      {}
func (s *OdometrySample) isSample() {}

// MapEngine is the surface of the wrapped SLAM engine.
//
// IngestSample is not safe for concurrent callers on the same trajectory;
// the ingest adapter serializes access. The read-only calls (SubmapCount,
// SubmapVersions, SubmapSnapshot, GlobalSubmapPoses, TrajectoryNodes) are
// safe to run concurrently with ingestion.
type MapEngine interface {
	// CreateTrajectory allocates a new trajectory accepting samples from the
	// given sensor IDs and returns its handle.
	CreateTrajectory(ctx context.Context, sensorIDs []string) (TrajectoryID, error)

	// FinishTrajectory stops the trajectory from accepting further input.
	// Its submaps and nodes remain readable.
	FinishTrajectory(ctx context.Context, id TrajectoryID) error

	// IngestSample feeds one sample into an active trajectory.
	IngestSample(ctx context.Context, id TrajectoryID, sample Sample) error

	// RunFinalOptimization runs a full pose-graph optimization pass over all
	// trajectories.
	RunFinalOptimization(ctx context.Context) error

	// SubmapCount returns the number of submaps the trajectory currently has.
	SubmapCount(ctx context.Context, id TrajectoryID) (int, error)

	// SubmapVersions returns, for each submap of the trajectory in index
	// order, the index of the last scan ingested into it.
	SubmapVersions(ctx context.Context, id TrajectoryID) ([]int, error)

	// SubmapSnapshot returns a point-in-time read of one submap.
	SubmapSnapshot(ctx context.Context, id SubmapID) (*SubmapSnapshot, error)

	// GlobalSubmapPoses returns a freshly optimized transform for every
	// submap of the trajectory, in index order. Its length must equal the
	// trajectory's current submap count.
	GlobalSubmapPoses(ctx context.Context, id TrajectoryID) ([]spatial.Pose, error)

	// TrajectoryNodes returns the optimized nodes of all trajectories in
	// ingestion order.
	TrajectoryNodes(ctx context.Context) ([]TrajectoryNode, error)
}
