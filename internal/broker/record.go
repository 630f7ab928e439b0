package broker

import (
	"fmt"
	"strconv"
	"time"

	"github.com/couchbase/gocb/v2"

	"hubrecv/internal/couchbase"
	"hubrecv/internal/eventhub"
)

// Record is one event stored in a partition log. Its offset is the decimal
// sequence number.
type Record struct {
	ID             string         `json:"id"`
	EventHub       string         `json:"eventHub"`
	PartitionID    string         `json:"partitionId"`
	SequenceNumber int64          `json:"sequenceNumber"`
	EnqueuedTime   int64          `json:"enqueuedTime"` // unix ms
	PartitionKey   string         `json:"partitionKey,omitempty"`
	Body           []byte         `json:"body"`
	Properties     map[string]any `json:"properties,omitempty"`

	couchbase.Cas `json:"-"`
}

// Offset returns the offset of r.
func (r Record) Offset() string {
	return strconv.FormatInt(r.SequenceNumber, 10)
}

// Message converts r into the annotated message a receive link delivers.
func (r Record) Message() *eventhub.RawMessage {
	annotations := map[string]any{
		eventhub.AnnotationOffset:         r.Offset(),
		eventhub.AnnotationSequenceNumber: r.SequenceNumber,
		eventhub.AnnotationEnqueuedTime:   r.EnqueuedTime,
	}
	if r.PartitionKey != "" {
		annotations[eventhub.AnnotationPartitionKey] = r.PartitionKey
	}

	return &eventhub.RawMessage{
		DeliveryTag: []byte(r.ID),
		Body:        r.Body,
		Annotations: annotations,
		Properties:  r.Properties,
	}
}

// Head tracks the next sequence number of a partition log.
type Head struct {
	ID string `json:"id"`
	N  int64  `json:"n"`

	couchbase.Cas `json:"-"`
}

func NewRecordsStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[Record], error) {
	collection := bucket.Scope(scope).Collection("records")
	store, err := couchbase.NewCouchbase[Record](cluster, bucket, collection)
	if err != nil {
		return nil, err
	}

	return store, nil
}

func NewHeadsStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[Head], error) {
	collection := bucket.Scope(scope).Collection("heads")
	store, err := couchbase.NewCouchbase[Head](cluster, bucket, collection)
	if err != nil {
		return nil, err
	}

	return store, nil
}

func RecordKey(hub, partitionID string, seq int64) string {
	return fmt.Sprintf("record::%s::%s::%d", hub, partitionID, seq)
}

func HeadKey(hub, partitionID string) string {
	return fmt.Sprintf("head::%s::%s", hub, partitionID)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}
