package eventhub

import (
	"fmt"
	"strconv"
	"time"
)

const (
	// StartOfStreamOffset addresses the oldest retained event of a partition.
	StartOfStreamOffset = "-1"
	// EndOfStreamOffset addresses the next event enqueued after the link opens.
	EndOfStreamOffset = "@latest"

	offsetAnnotation       = "amqp.annotation.x-opt-offset"
	enqueuedTimeAnnotation = "amqp.annotation.x-opt-enqueued-time"
)

type positionKind int

const (
	positionOffset positionKind = iota
	positionEnqueuedTime
)

// Position is the immutable starting point of a receiver. It is turned into a
// filter expression once, when a link is created; later receives continue from
// the link's own cursor.
type Position struct {
	kind      positionKind
	offset    string
	inclusive bool
	enqueued  time.Time
}

// StartOfStream positions a receiver at the oldest retained event.
func StartOfStream() Position {
	return FromOffset(StartOfStreamOffset, false)
}

// EndOfStream positions a receiver after the newest event.
func EndOfStream() Position {
	return FromOffset(EndOfStreamOffset, false)
}

// FromOffset positions a receiver after (or, inclusive, at) offset.
func FromOffset(offset string, inclusive bool) Position {
	return Position{kind: positionOffset, offset: offset, inclusive: inclusive}
}

// FromEnqueuedTime positions a receiver at the first event enqueued after t.
func FromEnqueuedTime(t time.Time) Position {
	return Position{kind: positionEnqueuedTime, enqueued: t.UTC()}
}

// Expression renders the server side filter for the position.
func (p Position) Expression() (string, error) {
	switch p.kind {
	case positionOffset:
		if p.offset == "" {
			return "", fmt.Errorf("%w: empty offset", ErrInvalidArgument)
		}
		op := ">"
		if p.inclusive {
			op = ">="
		}
		return fmt.Sprintf("%s %s '%s'", offsetAnnotation, op, p.offset), nil
	case positionEnqueuedTime:
		ms := p.enqueued.UnixMilli()
		return fmt.Sprintf("%s > '%s'", enqueuedTimeAnnotation, strconv.FormatInt(ms, 10)), nil
	default:
		return "", fmt.Errorf("%w: unknown position kind %d", ErrInvalidArgument, p.kind)
	}
}

func (p Position) String() string {
	if p.kind == positionEnqueuedTime {
		return "enqueued>" + p.enqueued.Format(time.RFC3339Nano)
	}
	if p.inclusive {
		return "offset>=" + p.offset
	}
	return "offset>" + p.offset
}
