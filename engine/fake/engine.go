// Package fake provides an in-memory MapEngine with deterministic behavior
// for tests and demos. It does no scan matching; odometry is trusted as-is
// and optimization is a no-op.
package fake

import (
	"context"
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/mapbridge/engine"
	"go.viam.com/mapbridge/spatial"
)

const (
	defaultScansPerSubmap = 10
	snapshotGridSize      = 32
	snapshotResolution    = 0.05
)

// Engine is a fake in-memory SLAM engine.
type Engine struct {
	logger         golog.Logger
	scansPerSubmap int

	mu           sync.Mutex
	trajectories []*trajectory
	optimized    int
}

type trajectory struct {
	id        engine.TrajectoryID
	sensorIDs map[string]bool
	finished  bool
	scanCount int
	pose      spatial.Pose
	submaps   []*submap
	nodes     []engine.TrajectoryNode
}

type submap struct {
	localPose spatial.Pose
	firstScan int
	version   int
	points    []r3.Vector
}

// NewEngine returns a fake engine with the default submap window.
func NewEngine(logger golog.Logger) *Engine {
	return &Engine{logger: logger, scansPerSubmap: defaultScansPerSubmap}
}

// NewEngineWithSubmapWindow returns a fake engine that starts a new submap
// every scansPerSubmap range samples.
func NewEngineWithSubmapWindow(logger golog.Logger, scansPerSubmap int) *Engine {
	return &Engine{logger: logger, scansPerSubmap: scansPerSubmap}
}

// CreateTrajectory allocates the next trajectory ID; IDs are never reused.
func (e *Engine) CreateTrajectory(ctx context.Context, sensorIDs []string) (engine.TrajectoryID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make(map[string]bool, len(sensorIDs))
	for _, id := range sensorIDs {
		ids[id] = true
	}
	traj := &trajectory{
		id:        engine.TrajectoryID(len(e.trajectories)),
		sensorIDs: ids,
		pose:      spatial.NewZeroPose(),
	}
	e.trajectories = append(e.trajectories, traj)
	e.logger.Debugw("created trajectory", "id", traj.id, "sensors", sensorIDs)
	return traj.id, nil
}

// FinishTrajectory marks the trajectory as no longer accepting input.
func (e *Engine) FinishTrajectory(ctx context.Context, id engine.TrajectoryID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	traj, err := e.trajectoryLocked(id)
	if err != nil {
		return err
	}
	if traj.finished {
		return errors.Errorf("trajectory %d already finished", id)
	}
	traj.finished = true
	e.logger.Debugw("finished trajectory", "id", id, "submaps", len(traj.submaps), "nodes", len(traj.nodes))
	return nil
}

// IngestSample feeds one sample into an active trajectory.
func (e *Engine) IngestSample(ctx context.Context, id engine.TrajectoryID, sample engine.Sample) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	traj, err := e.trajectoryLocked(id)
	if err != nil {
		return err
	}
	if traj.finished {
		return errors.Errorf("cannot ingest into finished trajectory %d", id)
	}
	if !traj.sensorIDs[sample.SensorID()] {
		return errors.Errorf("trajectory %d does not expect sensor %q", id, sample.SensorID())
	}

	switch s := sample.(type) {
	case *engine.OdometrySample:
		traj.pose = s.Pose
	case *engine.IMUSample:
		// no gravity alignment in the fake; accepted and dropped
	case *engine.RangeSample:
		traj.addScan(e.scansPerSubmap, s)
	default:
		return errors.Errorf("unknown sample type %T", sample)
	}
	return nil
}

func (t *trajectory) addScan(scansPerSubmap int, s *engine.RangeSample) {
	scanIndex := t.scanCount
	t.scanCount++

	if len(t.submaps) == 0 || scanIndex-t.submaps[len(t.submaps)-1].firstScan >= scansPerSubmap {
		t.submaps = append(t.submaps, &submap{localPose: t.pose, firstScan: scanIndex})
	}
	global := make([]r3.Vector, len(s.Returns))
	for i, pt := range s.Returns {
		global[i] = t.pose.TransformPoint(pt)
	}
	current := t.submaps[len(t.submaps)-1]
	current.version = scanIndex
	current.points = append(current.points, global...)
	t.nodes = append(t.nodes, engine.TrajectoryNode{
		Trajectory: t.id,
		Time:       s.Time,
		GlobalPose: t.pose,
		RangeData:  global,
	})
}

// RunFinalOptimization is a no-op beyond bookkeeping; the fake trusts
// odometry.
func (e *Engine) RunFinalOptimization(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optimized++
	return nil
}

// OptimizationPasses reports how many full optimization passes ran.
func (e *Engine) OptimizationPasses() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.optimized
}

// SubmapCount returns the trajectory's current submap count.
func (e *Engine) SubmapCount(ctx context.Context, id engine.TrajectoryID) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	traj, err := e.trajectoryLocked(id)
	if err != nil {
		return 0, err
	}
	return len(traj.submaps), nil
}

// SubmapVersions returns the last ingested scan index per submap.
func (e *Engine) SubmapVersions(ctx context.Context, id engine.TrajectoryID) ([]int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	traj, err := e.trajectoryLocked(id)
	if err != nil {
		return nil, err
	}
	versions := make([]int, len(traj.submaps))
	for i, sm := range traj.submaps {
		versions[i] = sm.version
	}
	return versions, nil
}

// SubmapSnapshot rasterizes the submap's accumulated points into a small
// fixed-size grid around its local pose.
func (e *Engine) SubmapSnapshot(ctx context.Context, id engine.SubmapID) (*engine.SubmapSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	traj, err := e.trajectoryLocked(id.Trajectory)
	if err != nil {
		return nil, err
	}
	if id.Index < 0 || id.Index >= len(traj.submaps) {
		return nil, errors.Errorf("trajectory %d has no submap %d", id.Trajectory, id.Index)
	}
	sm := traj.submaps[id.Index]

	cells := make([]byte, snapshotGridSize*snapshotGridSize)
	center := sm.localPose.Point()
	half := float64(snapshotGridSize) / 2
	for _, pt := range sm.points {
		cx := int(math.Floor((pt.X-center.X)/snapshotResolution + half))
		cy := int(math.Floor((pt.Y-center.Y)/snapshotResolution + half))
		if cx < 0 || cx >= snapshotGridSize || cy < 0 || cy >= snapshotGridSize {
			continue
		}
		if cells[cy*snapshotGridSize+cx] < math.MaxUint8 {
			cells[cy*snapshotGridSize+cx]++
		}
	}

	return &engine.SubmapSnapshot{
		Version:    sm.version,
		Cells:      cells,
		Width:      snapshotGridSize,
		Height:     snapshotGridSize,
		Resolution: snapshotResolution,
		SlicePose:  sm.localPose,
	}, nil
}

// GlobalSubmapPoses returns each submap's pose in the global frame. With no
// loop closure in the fake, this is the submap's local pose.
func (e *Engine) GlobalSubmapPoses(ctx context.Context, id engine.TrajectoryID) ([]spatial.Pose, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	traj, err := e.trajectoryLocked(id)
	if err != nil {
		return nil, err
	}
	poses := make([]spatial.Pose, len(traj.submaps))
	for i, sm := range traj.submaps {
		poses[i] = sm.localPose
	}
	return poses, nil
}

// TrajectoryNodes returns all nodes across all trajectories in creation and
// ingestion order.
func (e *Engine) TrajectoryNodes(ctx context.Context) ([]engine.TrajectoryNode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var nodes []engine.TrajectoryNode
	for _, traj := range e.trajectories {
		nodes = append(nodes, traj.nodes...)
	}
	return nodes, nil
}

func (e *Engine) trajectoryLocked(id engine.TrajectoryID) (*trajectory, error) {
	if id < 0 || int(id) >= len(e.trajectories) {
		return nil, errors.Errorf("unknown trajectory %d", id)
	}
	return e.trajectories[int(id)], nil
}
