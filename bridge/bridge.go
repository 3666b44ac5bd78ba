// Package bridge coordinates a wrapped SLAM engine with the robotics
// middleware around it: it owns the lifecycle of mapping trajectories,
// serves submap and pose queries against the concurrently-optimized pose
// graph, and triggers asset export when a trajectory is finished.
package bridge

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.viam.com/mapbridge/config"
	"go.viam.com/mapbridge/engine"
	"go.viam.com/mapbridge/export"
	"go.viam.com/mapbridge/grid"
	"go.viam.com/mapbridge/ingest"
	"go.viam.com/mapbridge/spatial"
	"go.viam.com/mapbridge/tf"
)

// SubmapEntry is one submap's listing entry: how much data it has
// accumulated and its freshly optimized pose in the global map frame.
type SubmapEntry struct {
	Version int
	Pose    spatial.Pose
}

// TrajectorySubmapList lists one trajectory's submaps in index order.
type TrajectorySubmapList struct {
	Trajectory engine.TrajectoryID
	Submaps    []SubmapEntry
}

// Bridge mediates between the engine and the middleware. Exactly one
// session accepts sensor samples at any time; finished sessions stay
// addressable for read queries until the process ends.
type Bridge struct {
	opts     config.Options
	engine   engine.MapEngine
	resolver tf.Resolver
	writer   export.AssetWriter
	builder  grid.Builder
	logger   golog.Logger

	mu        sync.Mutex
	sessions  []*Session
	byID      map[engine.TrajectoryID]*Session
	current   *Session
	finishing bool
	closed    bool
}

// New returns a bridge with its first trajectory created and active.
func New(
	ctx context.Context,
	opts config.Options,
	mapEngine engine.MapEngine,
	resolver tf.Resolver,
	writer export.AssetWriter,
	builder grid.Builder,
	logger golog.Logger,
) (*Bridge, error) {
	b := &Bridge{
		opts:     opts,
		engine:   mapEngine,
		resolver: resolver,
		writer:   writer,
		builder:  builder,
		logger:   logger,
		byID:     map[engine.TrajectoryID]*Session{},
	}
	if _, err := b.startSession(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// startSession allocates an engine trajectory with a bound adapter and
// promotes it to the active session. The previous active session, if any,
// moves to FINISHING in the same critical section, so ingestion callers
// always observe exactly one active session.
func (b *Bridge) startSession(ctx context.Context) (*Session, error) {
	id, err := b.engine.CreateTrajectory(ctx, b.opts.Sensors)
	if err != nil {
		return nil, &EngineError{Op: "create trajectory", Err: err}
	}
	adapter := ingest.NewAdapter(
		id, b.opts.TrackingFrame, b.opts.LookupTimeout(), b.resolver, b.engine, b.logger,
	)
	session := &Session{id: id, adapter: adapter, state: sessionCreated}

	b.mu.Lock()
	defer b.mu.Unlock()
	if prev := b.current; prev != nil {
		prev.state = sessionFinishing
	}
	session.state = sessionActive
	b.sessions = append(b.sessions, session)
	b.byID[id] = session
	b.current = session
	return session, nil
}

// ActiveTrajectory returns the trajectory currently accepting samples.
func (b *Bridge) ActiveTrajectory() engine.TrajectoryID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.id
}

func (b *Bridge) activeAdapter() (*ingest.Adapter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBridgeClosed
	}
	return b.current.adapter, nil
}

// ProcessRangeReadings forwards range data to the active session.
func (b *Bridge) ProcessRangeReadings(ctx context.Context, readings *ingest.RangeReadings) error {
	adapter, err := b.activeAdapter()
	if err != nil {
		return err
	}
	return adapter.ProcessRangeReadings(ctx, readings)
}

// ProcessIMU forwards an inertial reading to the active session.
func (b *Bridge) ProcessIMU(ctx context.Context, reading *ingest.IMUReading) error {
	adapter, err := b.activeAdapter()
	if err != nil {
		return err
	}
	return adapter.ProcessIMU(ctx, reading)
}

// ProcessOdometry forwards an odometry reading to the active session.
func (b *Bridge) ProcessOdometry(ctx context.Context, reading *ingest.OdometryReading) error {
	adapter, err := b.activeAdapter()
	if err != nil {
		return err
	}
	return adapter.ProcessOdometry(ctx, reading)
}

// SubmapSnapshot returns a point-in-time read of one submap. The snapshot's
// pose is in the trajectory's local submap frame; global placement comes
// from SubmapList. It fails with SubmapNotFoundError for unknown references
// and EngineError for engine-reported failures, never a partial response.
func (b *Bridge) SubmapSnapshot(ctx context.Context, id engine.SubmapID) (*engine.SubmapSnapshot, error) {
	ctx, span := trace.StartSpan(ctx, "bridge::Bridge::SubmapSnapshot")
	defer span.End()

	b.mu.Lock()
	_, known := b.byID[id.Trajectory]
	b.mu.Unlock()
	if !known {
		return nil, &SubmapNotFoundError{ID: id}
	}

	count, err := b.engine.SubmapCount(ctx, id.Trajectory)
	if err != nil {
		b.logger.Errorw("submap count query failed", "trajectory", id.Trajectory, "error", err)
		return nil, &EngineError{Op: "submap count", Err: err}
	}
	if id.Index < 0 || id.Index >= count {
		return nil, &SubmapNotFoundError{ID: id}
	}

	snapshot, err := b.engine.SubmapSnapshot(ctx, id)
	if err != nil {
		b.logger.Errorw("submap query failed",
			"trajectory", id.Trajectory, "submap", id.Index, "error", err)
		return nil, &EngineError{Op: "submap snapshot", Err: err}
	}
	return snapshot, nil
}

// FinishTrajectory finishes the active trajectory and hands off to a fresh
// one. The replacement is promoted before the old trajectory is torn down,
// so no sensor sample is dropped across the handoff. Assets of the finished
// trajectory are written under stem; a trajectory that collected no data
// skips export with a warning and still completes the handoff.
//
// A second finish request while one is in progress fails with
// ErrFinishInProgress.
func (b *Bridge) FinishTrajectory(ctx context.Context, stem string) error {
	ctx, span := trace.StartSpan(ctx, "bridge::Bridge::FinishTrajectory")
	defer span.End()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	if b.finishing {
		b.mu.Unlock()
		return ErrFinishInProgress
	}
	b.finishing = true
	old := b.current
	b.mu.Unlock()

	b.logger.Infow("finishing trajectory", "trajectory", old.id)

	next, err := b.startSession(ctx)
	if err != nil {
		// handoff aborted; the old session keeps ingesting
		b.mu.Lock()
		b.finishing = false
		b.mu.Unlock()
		return errors.Wrap(err, "allocating replacement trajectory")
	}
	old.adapter.Close()
	defer func() {
		b.mu.Lock()
		old.state = sessionFinished
		b.finishing = false
		b.mu.Unlock()
	}()

	if err := b.engine.FinishTrajectory(ctx, old.id); err != nil {
		return &EngineError{Op: "finish trajectory", Err: err}
	}
	if err := b.engine.RunFinalOptimization(ctx); err != nil {
		return &EngineError{Op: "final optimization", Err: err}
	}

	nodes, err := b.engine.TrajectoryNodes(ctx)
	if err != nil {
		return &EngineError{Op: "trajectory nodes", Err: err}
	}
	var oldNodes int
	for _, node := range nodes {
		if node.Trajectory == old.id {
			oldNodes++
		}
	}
	if oldNodes == 0 {
		b.logger.Warnw("no data collected and no assets will be written", "trajectory", old.id)
	} else {
		b.logger.Infow("writing assets", "trajectory", old.id, "stem", stem)
		if err := b.writer.WriteAssets(ctx, nodes, stem); err != nil {
			return errors.Wrap(err, "writing assets")
		}
	}

	b.logger.Infow("new trajectory started", "trajectory", next.id)
	return nil
}

// SubmapList lists every submap of every trajectory ever created, grouped
// by trajectory in creation order and by index within each trajectory. The
// poses are fetched fresh from the optimizer on every call; they move as
// loop closures land. Safe to call concurrently with ingestion: submaps
// created after the count is read are left out of this listing and show up
// on the next call.
func (b *Bridge) SubmapList(ctx context.Context) ([]TrajectorySubmapList, error) {
	ctx, span := trace.StartSpan(ctx, "bridge::Bridge::SubmapList")
	defer span.End()

	b.mu.Lock()
	ids := make([]engine.TrajectoryID, len(b.sessions))
	for i, session := range b.sessions {
		ids[i] = session.id
	}
	b.mu.Unlock()

	list := make([]TrajectorySubmapList, 0, len(ids))
	for _, id := range ids {
		count, err := b.engine.SubmapCount(ctx, id)
		if err != nil {
			return nil, &EngineError{Op: "submap count", Err: err}
		}
		poses, err := b.engine.GlobalSubmapPoses(ctx, id)
		if err != nil {
			return nil, &EngineError{Op: "global submap poses", Err: err}
		}
		// Submaps are append-only with dense indices, so arrays read after
		// the count may have grown past it but can never be shorter on a
		// healthy engine. Entries beyond the count are ingestion that landed
		// mid-call; they surface on the next listing.
		if len(poses) < count {
			err := &ConsistencyError{Trajectory: id, What: "submap poses", SubmapCount: count, Got: len(poses)}
			b.logger.Errorw("engine bookkeeping is corrupt", "error", err)
			return nil, err
		}
		versions, err := b.engine.SubmapVersions(ctx, id)
		if err != nil {
			return nil, &EngineError{Op: "submap versions", Err: err}
		}
		if len(versions) < count {
			err := &ConsistencyError{Trajectory: id, What: "submap versions", SubmapCount: count, Got: len(versions)}
			b.logger.Errorw("engine bookkeeping is corrupt", "error", err)
			return nil, err
		}

		entries := make([]SubmapEntry, count)
		for i := 0; i < count; i++ {
			entries[i] = SubmapEntry{Version: versions[i], Pose: poses[i]}
		}
		list = append(list, TrajectorySubmapList{Trajectory: id, Submaps: entries})
	}
	return list, nil
}

// BuildOccupancyGrid rasterizes all optimized trajectory nodes into an
// occupancy grid. A bridge with no ingested data returns a nil grid and no
// error. Safe to call concurrently with ingestion.
func (b *Bridge) BuildOccupancyGrid(ctx context.Context) (*grid.Grid, error) {
	ctx, span := trace.StartSpan(ctx, "bridge::Bridge::BuildOccupancyGrid")
	defer span.End()

	nodes, err := b.engine.TrajectoryNodes(ctx)
	if err != nil {
		return nil, &EngineError{Op: "trajectory nodes", Err: err}
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return b.builder.Rasterize(ctx, nodes, b.opts.Grid)
}

// Close finalizes the active trajectory so the engine never outlives a
// dangling ingest binding. No optimization or export runs; that is what
// FinishTrajectory is for.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	current := b.current
	current.state = sessionFinished
	b.mu.Unlock()

	current.adapter.Close()
	if err := b.engine.FinishTrajectory(ctx, current.id); err != nil {
		return &EngineError{Op: "finish trajectory", Err: err}
	}
	return nil
}
