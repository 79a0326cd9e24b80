// Package allocator sizes the worker pool for a request from a fixed total budget.
//
// Below MinParallelBudget the whole budget goes to a single stream. Above it
// every stream keeps at least MinSharesPerStream shares, and the number of
// discovered units is only counted up to the largest stream count the budget
// allows, so a large tree is never fully enumerated just to size the pool.
// This is a greedy heuristic, not an optimal packing.
package allocator

import (
	"iter"

	"github.com/ChuLiYu/extract-fanout/pkg/types"
)

const (
	// MinParallelBudget is the largest budget that still runs on one stream.
	MinParallelBudget = 3
	// MinSharesPerStream is the share floor for every stream once the budget is split.
	MinSharesPerStream = 2
)

// Allocate decides how many streams to run and how many shares each receives.
func Allocate[T any](units iter.Seq[T], budget int) types.Allocation {
	if budget < 1 {
		budget = 1
	}
	if budget <= MinParallelBudget {
		return types.Allocation{Streams: 1, SharesPerStream: budget}
	}

	maxStreams := budget / MinSharesPerStream
	streams := countUpTo(units, maxStreams)
	if streams == 0 {
		// nothing to run; keep one stream with the whole budget
		streams = 1
	}

	return types.Allocation{
		Streams:         streams,
		SharesPerStream: max(budget/streams, MinSharesPerStream),
	}
}

// countUpTo counts the sequence but stops pulling once limit is reached.
func countUpTo[T any](seq iter.Seq[T], limit int) int {
	n := 0
	if seq == nil || limit <= 0 {
		return 0
	}
	for range seq {
		n++
		if n >= limit {
			break
		}
	}
	return n
}
