// Package tf resolves sensor frame poses relative to a tracking frame at
// given timestamps.
package tf

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/mapbridge/spatial"
)

// ErrLookupTimeout is returned when no transform covering the requested
// timestamp arrived within the lookup bound.
var ErrLookupTimeout = errors.New("timed out waiting for transform")

// Resolver resolves the pose of a named frame relative to the tracking frame
// at a given timestamp, waiting up to timeout for data covering it.
type Resolver interface {
	Lookup(ctx context.Context, frame string, at time.Time, timeout time.Duration) (spatial.Pose, error)
}

// defaultHistoryLimit bounds how many stamped transforms are retained per
// frame.
const defaultHistoryLimit = 512

type stampedPose struct {
	stamp time.Time
	pose  spatial.Pose
}

// Buffer is a Resolver fed by Publish calls. Lookups for timestamps beyond
// the newest published transform block until a covering transform arrives or
// the timeout expires.
type Buffer struct {
	trackingFrame string
	clock         clock.Clock

	mu      sync.Mutex
	static  map[string]spatial.Pose
	frames  map[string][]stampedPose
	updated chan struct{}
}

// NewBuffer returns an empty transform buffer for the given tracking frame.
func NewBuffer(trackingFrame string) *Buffer {
	return NewBufferWithClock(trackingFrame, clock.New())
}

// NewBufferWithClock is NewBuffer with an injectable clock for tests.
func NewBufferWithClock(trackingFrame string, c clock.Clock) *Buffer {
	return &Buffer{
		trackingFrame: trackingFrame,
		clock:         c,
		static:        map[string]spatial.Pose{},
		frames:        map[string][]stampedPose{},
		updated:       make(chan struct{}),
	}
}

// TrackingFrame returns the frame all lookups resolve against.
func (b *Buffer) TrackingFrame() string {
	return b.trackingFrame
}

// PublishStatic records a transform that is valid for all time, e.g. a
// rigidly mounted sensor. It overrides any timed history for the frame.
func (b *Buffer) PublishStatic(frame string, pose spatial.Pose) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.static[frame] = pose
	b.notifyLocked()
}

// Publish records the pose of frame relative to the tracking frame at stamp.
// Out-of-order stamps are inserted in order; history is bounded.
func (b *Buffer) Publish(frame string, stamp time.Time, pose spatial.Pose) {
	b.mu.Lock()
	defer b.mu.Unlock()

	samples := b.frames[frame]
	i := sort.Search(len(samples), func(i int) bool {
		return !samples[i].stamp.Before(stamp)
	})
	if i < len(samples) && samples[i].stamp.Equal(stamp) {
		samples[i].pose = pose
	} else {
		samples = append(samples, stampedPose{})
		copy(samples[i+1:], samples[i:])
		samples[i] = stampedPose{stamp: stamp, pose: pose}
	}
	if len(samples) > defaultHistoryLimit {
		samples = samples[len(samples)-defaultHistoryLimit:]
	}
	b.frames[frame] = samples
	b.notifyLocked()
}

func (b *Buffer) notifyLocked() {
	close(b.updated)
	b.updated = make(chan struct{})
}

// Lookup implements Resolver. A frame with no published data and lookups
// ahead of the newest stamp wait until covered or until timeout, which
// surfaces as ErrLookupTimeout.
func (b *Buffer) Lookup(ctx context.Context, frame string, at time.Time, timeout time.Duration) (spatial.Pose, error) {
	timer := b.clock.Timer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		pose, ok := b.resolveLocked(frame, at)
		updated := b.updated
		b.mu.Unlock()
		if ok {
			return pose, nil
		}

		select {
		case <-ctx.Done():
			return spatial.Pose{}, ctx.Err()
		case <-timer.C:
			return spatial.Pose{}, errors.Wrapf(ErrLookupTimeout, "frame %q at %v", frame, at)
		case <-updated:
		}
	}
}

func (b *Buffer) resolveLocked(frame string, at time.Time) (spatial.Pose, bool) {
	if pose, ok := b.static[frame]; ok {
		return pose, true
	}
	samples := b.frames[frame]
	if len(samples) == 0 {
		return spatial.Pose{}, false
	}
	last := samples[len(samples)-1]
	if at.After(last.stamp) {
		// not yet covered; wait for newer data
		return spatial.Pose{}, false
	}
	i := sort.Search(len(samples), func(i int) bool {
		return !samples[i].stamp.Before(at)
	})
	if samples[i].stamp.Equal(at) || i == 0 {
		return samples[i].pose, true
	}
	prev := samples[i-1]
	next := samples[i]
	span := next.stamp.Sub(prev.stamp)
	amt := float64(at.Sub(prev.stamp)) / float64(span)
	return spatial.Interpolate(prev.pose, next.pose, amt), true
}
