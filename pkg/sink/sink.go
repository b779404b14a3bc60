package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/couriermq/courier/pkg/log"
	"github.com/couriermq/courier/pkg/types"
)

// Collection names read by external dashboards.
const (
	ResultCollection    = "message-results"
	ExceptionCollection = "message-exceptions"
)

// Recorder appends terminal message outcomes for audit and dashboards.
// Recording is best effort; a sink failure never fails the message.
type Recorder interface {
	Record(ctx context.Context, outcome types.Outcome)
}

// MongoRecorder writes outcomes to MongoDB, successes and failures into
// separate collections.
type MongoRecorder struct {
	results    *mongo.Collection
	exceptions *mongo.Collection
	logger     zerolog.Logger
}

// NewMongoRecorder connects to uri and uses the named database.
func NewMongoRecorder(ctx context.Context, uri, database string) (*MongoRecorder, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect outcome sink: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping outcome sink: %w", err)
	}
	db := client.Database(database)
	return &MongoRecorder{
		results:    db.Collection(ResultCollection),
		exceptions: db.Collection(ExceptionCollection),
		logger:     log.WithComponent("sink"),
	}, nil
}

// NewMongoRecorderWithCollections wraps existing collection handles.
func NewMongoRecorderWithCollections(results, exceptions *mongo.Collection) *MongoRecorder {
	return &MongoRecorder{
		results:    results,
		exceptions: exceptions,
		logger:     log.WithComponent("sink"),
	}
}

// Record writes the outcome, retrying briefly on driver errors. Failures are
// logged and dropped.
func (r *MongoRecorder) Record(ctx context.Context, outcome types.Outcome) {
	coll := r.results
	if outcome.Result == types.ResultFailed {
		coll = r.exceptions
	}

	err := retry.Do(
		func() error {
			_, err := coll.InsertOne(ctx, outcome)
			return err
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		r.logger.Error().Err(err).
			Str("partner_id", outcome.TenantID).
			Str("message_id", outcome.ID).
			Msg("outcome record dropped")
	}
}

// NopRecorder discards outcomes. Used when no sink is configured.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, outcome types.Outcome) {}

// MemoryRecorder collects outcomes in memory for tests.
type MemoryRecorder struct {
	outcomes chan types.Outcome
}

// NewMemoryRecorder creates a recorder buffering up to n outcomes.
func NewMemoryRecorder(n int) *MemoryRecorder {
	return &MemoryRecorder{outcomes: make(chan types.Outcome, n)}
}

func (r *MemoryRecorder) Record(ctx context.Context, outcome types.Outcome) {
	select {
	case r.outcomes <- outcome:
	default:
	}
}

// Outcomes exposes the recorded stream.
func (r *MemoryRecorder) Outcomes() <-chan types.Outcome {
	return r.outcomes
}
