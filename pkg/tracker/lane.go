package tracker

import (
	"context"
	"sync/atomic"
)

// LaneID identifies an execution lane: one logical thread of test execution.
// Events are only ever attributed to tests begun on the same lane.
type LaneID uint64

var laneSeq atomic.Uint64

// NewLane allocates a fresh lane id. Lane ids are never reused within a
// process.
func NewLane() LaneID {
	return LaneID(laneSeq.Add(1))
}

type laneKey struct{}

// WithLane returns a copy of ctx carrying lane.
func WithLane(ctx context.Context, lane LaneID) context.Context {
	return context.WithValue(ctx, laneKey{}, lane)
}

// LaneFrom returns the lane carried by ctx, if any.
func LaneFrom(ctx context.Context) (LaneID, bool) {
	if ctx == nil {
		return 0, false
	}

	lane, ok := ctx.Value(laneKey{}).(LaneID)

	return lane, ok
}
