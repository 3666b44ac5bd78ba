// Package inject provides test doubles whose methods can be overridden per
// test via function fields. Calls with a nil func fall through to the
// embedded implementation, if any.
package inject

import (
	"context"
	"time"

	"go.viam.com/mapbridge/engine"
	"go.viam.com/mapbridge/export"
	"go.viam.com/mapbridge/grid"
	"go.viam.com/mapbridge/spatial"
	"go.viam.com/mapbridge/tf"
)

// MapEngine is an injectable engine.MapEngine.
type MapEngine struct {
	engine.MapEngine
	CreateTrajectoryFunc     func(ctx context.Context, sensorIDs []string) (engine.TrajectoryID, error)
	FinishTrajectoryFunc     func(ctx context.Context, id engine.TrajectoryID) error
	IngestSampleFunc         func(ctx context.Context, id engine.TrajectoryID, sample engine.Sample) error
	RunFinalOptimizationFunc func(ctx context.Context) error
	SubmapCountFunc          func(ctx context.Context, id engine.TrajectoryID) (int, error)
	SubmapVersionsFunc       func(ctx context.Context, id engine.TrajectoryID) ([]int, error)
	SubmapSnapshotFunc       func(ctx context.Context, id engine.SubmapID) (*engine.SubmapSnapshot, error)
	GlobalSubmapPosesFunc    func(ctx context.Context, id engine.TrajectoryID) ([]spatial.Pose, error)
	TrajectoryNodesFunc      func(ctx context.Context) ([]engine.TrajectoryNode, error)
}

// CreateTrajectory calls the injected func or the embedded engine.
func (e *MapEngine) CreateTrajectory(ctx context.Context, sensorIDs []string) (engine.TrajectoryID, error) {
	if e.CreateTrajectoryFunc == nil {
		return e.MapEngine.CreateTrajectory(ctx, sensorIDs)
	}
	return e.CreateTrajectoryFunc(ctx, sensorIDs)
}

// FinishTrajectory calls the injected func or the embedded engine.
func (e *MapEngine) FinishTrajectory(ctx context.Context, id engine.TrajectoryID) error {
	if e.FinishTrajectoryFunc == nil {
		return e.MapEngine.FinishTrajectory(ctx, id)
	}
	return e.FinishTrajectoryFunc(ctx, id)
}

// IngestSample calls the injected func or the embedded engine.
func (e *MapEngine) IngestSample(ctx context.Context, id engine.TrajectoryID, sample engine.Sample) error {
	if e.IngestSampleFunc == nil {
		return e.MapEngine.IngestSample(ctx, id, sample)
	}
	return e.IngestSampleFunc(ctx, id, sample)
}

// RunFinalOptimization calls the injected func or the embedded engine.
func (e *MapEngine) RunFinalOptimization(ctx context.Context) error {
	if e.RunFinalOptimizationFunc == nil {
		return e.MapEngine.RunFinalOptimization(ctx)
	}
	return e.RunFinalOptimizationFunc(ctx)
}

// SubmapCount calls the injected func or the embedded engine.
func (e *MapEngine) SubmapCount(ctx context.Context, id engine.TrajectoryID) (int, error) {
	if e.SubmapCountFunc == nil {
		return e.MapEngine.SubmapCount(ctx, id)
	}
	return e.SubmapCountFunc(ctx, id)
}

// SubmapVersions calls the injected func or the embedded engine.
func (e *MapEngine) SubmapVersions(ctx context.Context, id engine.TrajectoryID) ([]int, error) {
	if e.SubmapVersionsFunc == nil {
		return e.MapEngine.SubmapVersions(ctx, id)
	}
	return e.SubmapVersionsFunc(ctx, id)
}

// SubmapSnapshot calls the injected func or the embedded engine.
func (e *MapEngine) SubmapSnapshot(ctx context.Context, id engine.SubmapID) (*engine.SubmapSnapshot, error) {
	if e.SubmapSnapshotFunc == nil {
		return e.MapEngine.SubmapSnapshot(ctx, id)
	}
	return e.SubmapSnapshotFunc(ctx, id)
}

// GlobalSubmapPoses calls the injected func or the embedded engine.
func (e *MapEngine) GlobalSubmapPoses(ctx context.Context, id engine.TrajectoryID) ([]spatial.Pose, error) {
	if e.GlobalSubmapPosesFunc == nil {
		return e.MapEngine.GlobalSubmapPoses(ctx, id)
	}
	return e.GlobalSubmapPosesFunc(ctx, id)
}

// TrajectoryNodes calls the injected func or the embedded engine.
func (e *MapEngine) TrajectoryNodes(ctx context.Context) ([]engine.TrajectoryNode, error) {
	if e.TrajectoryNodesFunc == nil {
		return e.MapEngine.TrajectoryNodes(ctx)
	}
	return e.TrajectoryNodesFunc(ctx)
}

// Resolver is an injectable tf.Resolver.
type Resolver struct {
	tf.Resolver
	LookupFunc func(ctx context.Context, frame string, at time.Time, timeout time.Duration) (spatial.Pose, error)
}

// Lookup calls the injected func or the embedded resolver.
func (r *Resolver) Lookup(ctx context.Context, frame string, at time.Time, timeout time.Duration) (spatial.Pose, error) {
	if r.LookupFunc == nil {
		return r.Resolver.Lookup(ctx, frame, at, timeout)
	}
	return r.LookupFunc(ctx, frame, at, timeout)
}

// AssetWriter is an injectable export.AssetWriter.
type AssetWriter struct {
	export.AssetWriter
	WriteAssetsFunc func(ctx context.Context, nodes []engine.TrajectoryNode, stem string) error
}

// WriteAssets calls the injected func or the embedded writer.
func (w *AssetWriter) WriteAssets(ctx context.Context, nodes []engine.TrajectoryNode, stem string) error {
	if w.WriteAssetsFunc == nil {
		return w.AssetWriter.WriteAssets(ctx, nodes, stem)
	}
	return w.WriteAssetsFunc(ctx, nodes, stem)
}

// GridBuilder is an injectable grid.Builder.
type GridBuilder struct {
	grid.Builder
	RasterizeFunc func(ctx context.Context, nodes []engine.TrajectoryNode, opts grid.Options) (*grid.Grid, error)
}

// Rasterize calls the injected func or the embedded builder.
func (b *GridBuilder) Rasterize(ctx context.Context, nodes []engine.TrajectoryNode, opts grid.Options) (*grid.Grid, error) {
	if b.RasterizeFunc == nil {
		return b.Builder.Rasterize(ctx, nodes, opts)
	}
	return b.RasterizeFunc(ctx, nodes, opts)
}
