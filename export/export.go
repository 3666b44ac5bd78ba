// Package export writes finished-trajectory assets to disk: the accumulated
// range data as an ASCII PLY point cloud and the rasterized occupancy grid
// as a PPM image.
package export

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/mapbridge/engine"
	"go.viam.com/mapbridge/grid"
)

// AssetWriter writes the assets of a finished trajectory under the given
// name stem.
type AssetWriter interface {
	WriteAssets(ctx context.Context, nodes []engine.TrajectoryNode, stem string) error
}

type fileWriter struct {
	dir      string
	gridOpts grid.Options
	builder  grid.Builder
	logger   golog.Logger
}

// NewFileWriter returns an AssetWriter that writes <stem>.ply and <stem>.ppm
// into dir. An empty stem gets a generated one.
func NewFileWriter(dir string, gridOpts grid.Options, builder grid.Builder, logger golog.Logger) AssetWriter {
	return &fileWriter{dir: dir, gridOpts: gridOpts, builder: builder, logger: logger}
}

func (w *fileWriter) WriteAssets(ctx context.Context, nodes []engine.TrajectoryNode, stem string) error {
	if len(nodes) == 0 {
		w.logger.Debug("no nodes given; nothing to write")
		return nil
	}
	if stem == "" {
		stem = uuid.New().String()
		w.logger.Debugw("no name stem given; generated one", "stem", stem)
	}

	plyPath := filepath.Join(w.dir, stem+".ply")
	if err := w.writePLY(plyPath, nodes); err != nil {
		return errors.Wrapf(err, "writing %q", plyPath)
	}

	g, err := w.builder.Rasterize(ctx, nodes, w.gridOpts)
	if err != nil {
		return errors.Wrap(err, "rasterizing grid for export")
	}
	gridPath := filepath.Join(w.dir, stem+".ppm")
	if err := w.writeGrid(gridPath, g); err != nil {
		return errors.Wrapf(err, "writing %q", gridPath)
	}

	w.logger.Infow("wrote assets", "stem", stem, "nodes", len(nodes))
	return nil
}

func (w *fileWriter) writePLY(path string, nodes []engine.TrajectoryNode) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	var count int
	for _, node := range nodes {
		count += len(node.RangeData)
	}

	bw := bufio.NewWriter(f)
	fmt.Fprintf(bw, "ply\nformat ascii 1.0\nelement vertex %d\n", count)
	fmt.Fprint(bw, "property float x\nproperty float y\nproperty float z\nend_header\n")
	for _, node := range nodes {
		for _, pt := range node.RangeData {
			fmt.Fprintf(bw, "%f %f %f\n", pt.X, pt.Y, pt.Z)
		}
	}
	return bw.Flush()
}

func (w *fileWriter) writeGrid(path string, g *grid.Grid) (err error) {
	if g == nil {
		w.logger.Debug("no grid rasterized; skipping grid image")
		return nil
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return ppm.Encode(f, g.Image())
}
