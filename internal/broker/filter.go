package broker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"hubrecv/internal/eventhub"
)

var (
	offsetFilter   = regexp.MustCompile(`^amqp\.annotation\.x-opt-offset (>=|>) '([^']+)'$`)
	enqueuedFilter = regexp.MustCompile(`^amqp\.annotation\.x-opt-enqueued-time > '(-?\d+)'$`)
)

// Filter is a parsed receive link filter.
type Filter struct {
	Offset    string
	Inclusive bool
	// Enqueued is set for enqueued time filters; Offset is empty then.
	Enqueued time.Time
}

// ParseFilter parses a filter expression of an offset or enqueued time
// position.
func ParseFilter(expr string) (Filter, error) {
	if m := offsetFilter.FindStringSubmatch(expr); m != nil {
		return Filter{Offset: m[2], Inclusive: m[1] == ">="}, nil
	}

	if m := enqueuedFilter.FindStringSubmatch(expr); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: enqueued time %q: %v", eventhub.ErrInvalidArgument, m[1], err)
		}
		return Filter{Enqueued: time.UnixMilli(ms).UTC()}, nil
	}

	return Filter{}, fmt.Errorf("%w: unsupported filter %q", eventhub.ErrInvalidArgument, expr)
}

// Resolve returns the first sequence number of the partition the filter
// selects.
func (f Filter) Resolve(ctx context.Context, log Log, hub, partitionID string) (int64, error) {
	if f.Offset == "" {
		seq, err := log.SequenceAfter(ctx, hub, partitionID, f.Enqueued)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve enqueued time: %w", err)
		}
		return seq, nil
	}

	switch f.Offset {
	case eventhub.StartOfStreamOffset:
		return 0, nil
	case eventhub.EndOfStreamOffset:
		seq, err := log.Head(ctx, hub, partitionID)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve end of stream: %w", err)
		}
		return seq, nil
	}

	seq, err := strconv.ParseInt(f.Offset, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: offset %q", eventhub.ErrInvalidArgument, f.Offset)
	}
	if f.Inclusive {
		return seq, nil
	}

	return seq + 1, nil
}
