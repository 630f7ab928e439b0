package eventhub

import (
	"fmt"
	"strconv"
	"time"
)

// Message annotations stamped by the broker on every delivered event.
const (
	AnnotationOffset         = "x-opt-offset"
	AnnotationSequenceNumber = "x-opt-sequence-number"
	AnnotationEnqueuedTime   = "x-opt-enqueued-time"
	AnnotationPartitionKey   = "x-opt-partition-key"
)

// RawMessage is a message as delivered by a receive link, before decoding.
type RawMessage struct {
	DeliveryTag []byte
	Body        []byte
	Annotations map[string]any
	Properties  map[string]any
}

// SystemProperties are the broker assigned attributes of an event.
type SystemProperties struct {
	Offset         string    `json:"offset"`
	SequenceNumber int64     `json:"sequenceNumber"`
	EnqueuedTime   time.Time `json:"enqueuedTime"`
	PartitionKey   string    `json:"partitionKey,omitempty"`
}

// Event is a decoded event handed to callers of Receive and to handlers.
type Event struct {
	Body       []byte           `json:"body"`
	Properties map[string]any   `json:"properties,omitempty"`
	System     SystemProperties `json:"system"`
}

// Codec decodes raw link messages into events.
type Codec interface {
	Decode(msg *RawMessage) (*Event, error)
}

// AnnotationCodec reads the system properties from the standard broker
// annotations.
type AnnotationCodec struct{}

// Decode implements Codec.
func (AnnotationCodec) Decode(msg *RawMessage) (*Event, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidArgument)
	}

	e := Event{
		Body:       msg.Body,
		Properties: msg.Properties,
	}

	for k, v := range msg.Annotations {
		switch k {
		case AnnotationOffset:
			e.System.Offset = fmt.Sprint(v)
		case AnnotationSequenceNumber:
			n, err := toInt64(v)
			if err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", k, err)
			}
			e.System.SequenceNumber = n
		case AnnotationEnqueuedTime:
			t, err := toTime(v)
			if err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", k, err)
			}
			e.System.EnqueuedTime = t
		case AnnotationPartitionKey:
			e.System.PartitionKey = fmt.Sprint(v)
		}
	}

	return &e, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// enqueued times travel either as time.Time or as milliseconds since epoch
func toTime(v any) (time.Time, error) {
	if t, ok := v.(time.Time); ok {
		return t.UTC(), nil
	}
	ms, err := toInt64(v)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
