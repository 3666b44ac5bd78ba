package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"go.viam.com/test"

	"go.viam.com/mapbridge/config"
	"go.viam.com/mapbridge/engine"
	enginefake "go.viam.com/mapbridge/engine/fake"
	"go.viam.com/mapbridge/grid"
	"go.viam.com/mapbridge/ingest"
	"go.viam.com/mapbridge/spatial"
	"go.viam.com/mapbridge/testutils/inject"
	"go.viam.com/mapbridge/tf"
)

func testOptions(t *testing.T) config.Options {
	t.Helper()
	opts := config.DefaultOptions()
	opts.Sensors = []string{"lidar", "odom"}
	opts.ExportDirectory = t.TempDir()
	return opts
}

func testResolver() tf.Resolver {
	buf := tf.NewBuffer("base_link")
	buf.PublishStatic("laser", spatial.NewPoseFromPoint(r3.Vector{X: 0.1}))
	return buf
}

func rangeReadings(at time.Time) *ingest.RangeReadings {
	return &ingest.RangeReadings{
		SensorID: "lidar",
		FrameID:  "laser",
		Time:     at,
		Ranges:   []r3.Vector{{X: 1}, {Y: 1}},
	}
}

func activeCount(b *Bridge) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	for _, session := range b.sessions {
		if session.state == sessionActive {
			n++
		}
	}
	return n
}

type recordedWrite struct {
	stem  string
	nodes []engine.TrajectoryNode
}

func recordingWriter() (*inject.AssetWriter, *[]recordedWrite) {
	var writes []recordedWrite
	writer := &inject.AssetWriter{
		WriteAssetsFunc: func(ctx context.Context, nodes []engine.TrajectoryNode, stem string) error {
			writes = append(writes, recordedWrite{stem: stem, nodes: nodes})
			return nil
		},
	}
	return writer, &writes
}

func newTestBridge(t *testing.T, eng engine.MapEngine, writer *inject.AssetWriter) *Bridge {
	t.Helper()
	logger := golog.NewTestLogger(t)
	b, err := New(
		context.Background(), testOptions(t), eng, testResolver(), writer, grid.NewBuilder(), logger,
	)
	test.That(t, err, test.ShouldBeNil)
	return b
}

func TestNewPromotesFirstSession(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := enginefake.NewEngine(logger)
	writer, _ := recordingWriter()
	b := newTestBridge(t, eng, writer)
	defer func() {
		test.That(t, b.Close(context.Background()), test.ShouldBeNil)
	}()

	test.That(t, b.ActiveTrajectory(), test.ShouldEqual, engine.TrajectoryID(0))
	test.That(t, activeCount(b), test.ShouldEqual, 1)
	b.mu.Lock()
	first := b.sessions[0]
	b.mu.Unlock()
	test.That(t, first.TrajectoryID(), test.ShouldEqual, engine.TrajectoryID(0))
}

func TestSubmapSnapshotErrors(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := enginefake.NewEngine(logger)
	writer, _ := recordingWriter()
	b := newTestBridge(t, eng, writer)
	defer b.Close(context.Background())

	ctx := context.Background()

	// unknown trajectory
	_, err := b.SubmapSnapshot(ctx, engine.SubmapID{Trajectory: 7, Index: 0})
	test.That(t, IsNotFound(err), test.ShouldBeTrue)

	// known trajectory, out-of-range index
	_, err = b.SubmapSnapshot(ctx, engine.SubmapID{Trajectory: 0, Index: 0})
	test.That(t, IsNotFound(err), test.ShouldBeTrue)
	_, err = b.SubmapSnapshot(ctx, engine.SubmapID{Trajectory: 0, Index: -1})
	test.That(t, IsNotFound(err), test.ShouldBeTrue)
}

func TestSubmapSnapshotEngineError(t *testing.T) {
	writer, _ := recordingWriter()
	eng := &inject.MapEngine{
		CreateTrajectoryFunc: func(ctx context.Context, sensorIDs []string) (engine.TrajectoryID, error) {
			return 0, nil
		},
		SubmapCountFunc: func(ctx context.Context, id engine.TrajectoryID) (int, error) {
			return 1, nil
		},
		SubmapSnapshotFunc: func(ctx context.Context, id engine.SubmapID) (*engine.SubmapSnapshot, error) {
			return nil, errors.New("internal scan matcher failure")
		},
	}
	logger, observed := golog.NewObservedTestLogger(t)
	b, err := New(
		context.Background(), testOptions(t), eng, testResolver(), writer, grid.NewBuilder(), logger,
	)
	test.That(t, err, test.ShouldBeNil)

	snap, err := b.SubmapSnapshot(context.Background(), engine.SubmapID{Trajectory: 0, Index: 0})
	test.That(t, snap, test.ShouldBeNil)
	test.That(t, IsEngineError(err), test.ShouldBeTrue)
	test.That(t, IsNotFound(err), test.ShouldBeFalse)
	test.That(t, observed.FilterMessageSnippet("submap query failed").Len(), test.ShouldEqual, 1)
}

func TestFinishTrajectoryScenario(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := enginefake.NewEngineWithSubmapWindow(logger, 2)
	writer, writes := recordingWriter()
	b := newTestBridge(t, eng, writer)
	defer b.Close(context.Background())

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 5; i++ {
		err := b.ProcessRangeReadings(ctx, rangeReadings(now.Add(time.Duration(i)*time.Second)))
		test.That(t, err, test.ShouldBeNil)
	}

	list, err := b.SubmapList(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, list, test.ShouldHaveLength, 1)
	test.That(t, list[0].Trajectory, test.ShouldEqual, engine.TrajectoryID(0))
	submapCount := len(list[0].Submaps)
	test.That(t, submapCount, test.ShouldEqual, 3)
	for i := 1; i < submapCount; i++ {
		test.That(t, list[0].Submaps[i].Version, test.ShouldBeGreaterThan, list[0].Submaps[i-1].Version)
	}

	test.That(t, activeCount(b), test.ShouldEqual, 1)
	err = b.FinishTrajectory(ctx, "map1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, activeCount(b), test.ShouldEqual, 1)
	test.That(t, b.ActiveTrajectory(), test.ShouldEqual, engine.TrajectoryID(1))

	// assets were written under the requested stem
	test.That(t, *writes, test.ShouldHaveLength, 1)
	test.That(t, (*writes)[0].stem, test.ShouldEqual, "map1")
	test.That(t, len((*writes)[0].nodes), test.ShouldEqual, 5)

	// the finished trajectory remains queryable
	snap, err := b.SubmapSnapshot(ctx, engine.SubmapID{Trajectory: 0, Index: submapCount - 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap, test.ShouldNotBeNil)
	_, err = b.SubmapSnapshot(ctx, engine.SubmapID{Trajectory: 0, Index: submapCount})
	test.That(t, IsNotFound(err), test.ShouldBeTrue)

	// but rejects new sensor input
	b.mu.Lock()
	oldAdapter := b.sessions[0].adapter
	b.mu.Unlock()
	err = oldAdapter.ProcessRangeReadings(ctx, rangeReadings(now))
	test.That(t, err, test.ShouldWrap, ingest.ErrInactiveTrajectory)

	// new samples land in the new trajectory
	err = b.ProcessRangeReadings(ctx, rangeReadings(now.Add(time.Minute)))
	test.That(t, err, test.ShouldBeNil)
	list, err = b.SubmapList(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, list, test.ShouldHaveLength, 2)
	test.That(t, list[1].Trajectory, test.ShouldEqual, engine.TrajectoryID(1))
	test.That(t, list[1].Submaps, test.ShouldHaveLength, 1)
}

func TestFinishTrajectoryNoData(t *testing.T) {
	logger, observed := golog.NewObservedTestLogger(t)
	eng := enginefake.NewEngine(golog.NewTestLogger(t))
	writer, writes := recordingWriter()
	b, err := New(
		context.Background(), testOptions(t), eng, testResolver(), writer, grid.NewBuilder(), logger,
	)
	test.That(t, err, test.ShouldBeNil)
	defer b.Close(context.Background())

	err = b.FinishTrajectory(context.Background(), "empty")
	test.That(t, err, test.ShouldBeNil)

	test.That(t, *writes, test.ShouldBeEmpty)
	warnings := observed.FilterMessageSnippet("no data collected")
	test.That(t, warnings.Len(), test.ShouldEqual, 1)
	test.That(t, warnings.All()[0].Level, test.ShouldEqual, zapcore.WarnLevel)

	// the handoff still completed
	test.That(t, b.ActiveTrajectory(), test.ShouldEqual, engine.TrajectoryID(1))
	test.That(t, activeCount(b), test.ShouldEqual, 1)
}

func TestFinishTrajectoryNotReentrant(t *testing.T) {
	logger := golog.NewTestLogger(t)
	fakeEng := enginefake.NewEngine(logger)
	release := make(chan struct{})
	optimizing := make(chan struct{})
	eng := &inject.MapEngine{
		MapEngine: fakeEng,
		RunFinalOptimizationFunc: func(ctx context.Context) error {
			close(optimizing)
			<-release
			return nil
		},
	}
	writer, _ := recordingWriter()
	b := newTestBridge(t, eng, writer)
	defer b.Close(context.Background())

	ctx := context.Background()
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- b.FinishTrajectory(ctx, "first")
	}()
	<-optimizing

	err := b.FinishTrajectory(ctx, "second")
	test.That(t, err, test.ShouldBeError, ErrFinishInProgress)
	// the invariant holds mid-handoff
	test.That(t, activeCount(b), test.ShouldEqual, 1)

	close(release)
	test.That(t, <-firstDone, test.ShouldBeNil)
	test.That(t, b.ActiveTrajectory(), test.ShouldEqual, engine.TrajectoryID(1))
}

func TestSubmapListConsistencyViolation(t *testing.T) {
	writer, _ := recordingWriter()
	eng := &inject.MapEngine{
		CreateTrajectoryFunc: func(ctx context.Context, sensorIDs []string) (engine.TrajectoryID, error) {
			return 0, nil
		},
		SubmapCountFunc: func(ctx context.Context, id engine.TrajectoryID) (int, error) {
			return 2, nil
		},
		GlobalSubmapPosesFunc: func(ctx context.Context, id engine.TrajectoryID) ([]spatial.Pose, error) {
			return []spatial.Pose{spatial.NewZeroPose()}, nil
		},
	}
	logger, observed := golog.NewObservedTestLogger(t)
	b, err := New(
		context.Background(), testOptions(t), eng, testResolver(), writer, grid.NewBuilder(), logger,
	)
	test.That(t, err, test.ShouldBeNil)

	list, err := b.SubmapList(context.Background())
	test.That(t, list, test.ShouldBeNil)
	test.That(t, IsConsistencyViolation(err), test.ShouldBeTrue)
	test.That(t, observed.FilterMessageSnippet("bookkeeping is corrupt").Len(), test.ShouldEqual, 1)
}

func TestSubmapListConcurrentWithIngestion(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := enginefake.NewEngineWithSubmapWindow(logger, 1)
	writer, _ := recordingWriter()
	b := newTestBridge(t, eng, writer)
	defer b.Close(context.Background())

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		now := time.Now()
		for i := 0; i < 500; i++ {
			if err := b.ProcessRangeReadings(ctx, rangeReadings(now.Add(time.Duration(i)*time.Millisecond))); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// submaps keep appearing while we list; a listing must never mistake
	// that growth for corrupt engine bookkeeping
	var lastSeen int
	for streaming := true; streaming; {
		select {
		case <-done:
			streaming = false
		default:
		}
		list, err := b.SubmapList(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, list, test.ShouldHaveLength, 1)
		test.That(t, len(list[0].Submaps), test.ShouldBeGreaterThanOrEqualTo, lastSeen)
		lastSeen = len(list[0].Submaps)
	}
	test.That(t, lastSeen, test.ShouldEqual, 500)
}

func TestSubmapListTrimsMidCallGrowth(t *testing.T) {
	writer, _ := recordingWriter()
	// the engine reports one submap but two had appeared by the time the
	// pose and version arrays were read
	eng := &inject.MapEngine{
		CreateTrajectoryFunc: func(ctx context.Context, sensorIDs []string) (engine.TrajectoryID, error) {
			return 0, nil
		},
		SubmapCountFunc: func(ctx context.Context, id engine.TrajectoryID) (int, error) {
			return 1, nil
		},
		GlobalSubmapPosesFunc: func(ctx context.Context, id engine.TrajectoryID) ([]spatial.Pose, error) {
			return []spatial.Pose{spatial.NewZeroPose(), spatial.NewPoseFromPoint(r3.Vector{X: 1})}, nil
		},
		SubmapVersionsFunc: func(ctx context.Context, id engine.TrajectoryID) ([]int, error) {
			return []int{4, 1}, nil
		},
	}
	logger := golog.NewTestLogger(t)
	b, err := New(
		context.Background(), testOptions(t), eng, testResolver(), writer, grid.NewBuilder(), logger,
	)
	test.That(t, err, test.ShouldBeNil)

	list, err := b.SubmapList(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, list, test.ShouldHaveLength, 1)
	test.That(t, list[0].Submaps, test.ShouldHaveLength, 1)
	test.That(t, list[0].Submaps[0].Version, test.ShouldEqual, 4)
}

func TestBuildOccupancyGrid(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := enginefake.NewEngine(logger)
	writer, _ := recordingWriter()
	b := newTestBridge(t, eng, writer)
	defer b.Close(context.Background())

	ctx := context.Background()

	// a fresh bridge has no data and no grid, and that is not an error
	g, err := b.BuildOccupancyGrid(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g, test.ShouldBeNil)

	err = b.ProcessRangeReadings(ctx, rangeReadings(time.Now()))
	test.That(t, err, test.ShouldBeNil)

	g, err = b.BuildOccupancyGrid(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g, test.ShouldNotBeNil)
	test.That(t, g.Width, test.ShouldBeGreaterThan, 0)
}

func TestCloseFinalizesActiveTrajectory(t *testing.T) {
	writer, _ := recordingWriter()
	var finished []engine.TrajectoryID
	eng := &inject.MapEngine{
		CreateTrajectoryFunc: func(ctx context.Context, sensorIDs []string) (engine.TrajectoryID, error) {
			return 0, nil
		},
		FinishTrajectoryFunc: func(ctx context.Context, id engine.TrajectoryID) error {
			finished = append(finished, id)
			return nil
		},
	}
	logger := golog.NewTestLogger(t)
	b, err := New(
		context.Background(), testOptions(t), eng, testResolver(), writer, grid.NewBuilder(), logger,
	)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, b.Close(context.Background()), test.ShouldBeNil)
	test.That(t, finished, test.ShouldResemble, []engine.TrajectoryID{0})

	// idempotent, and further operations are rejected
	test.That(t, b.Close(context.Background()), test.ShouldBeNil)
	test.That(t, finished, test.ShouldHaveLength, 1)

	err = b.ProcessRangeReadings(context.Background(), rangeReadings(time.Now()))
	test.That(t, err, test.ShouldBeError, ErrBridgeClosed)
	err = b.FinishTrajectory(context.Background(), "late")
	test.That(t, err, test.ShouldBeError, ErrBridgeClosed)
}
