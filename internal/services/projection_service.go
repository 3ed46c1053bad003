package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IProjectionService streams store changes out to per-host dashboard
// channels. It is read-only with respect to the store and purely additive:
// stopping or crashing it never affects booking or ledger state.
type IProjectionService interface {
	Run(ctx context.Context) error
}

// Collections the dashboard cares about, each paired with the field that
// identifies the owning host in the changed document.
var projectedCollections = map[string]string{
	bookingsCollection:    "host_id",
	entriesCollection:     "user_id",
	metricsCollection:     "_id",
	withdrawalsCollection: "host_id",
}

// DashboardEvent is the message published to subscribers.
type DashboardEvent struct {
	Collection    string      `json:"collection"`
	OperationType string      `json:"operation_type"`
	DocumentID    string      `json:"document_id,omitempty"`
	Document      interface{} `json:"document,omitempty"`
	ObservedAt    time.Time   `json:"observed_at"`
}

type projectionService struct {
	db  *mongo.Database
	rdb *redis.Client
}

// NewProjectionService creates a new ProjectionService.
func NewProjectionService(database *mongo.Database, rdb *redis.Client) IProjectionService {
	return &projectionService{db: database, rdb: rdb}
}

// Run opens one change stream per projected collection and pumps events until
// the context is cancelled. A dropped stream is reopened with backoff; events
// that arrive while the stream is down are simply missed, which the dashboard
// tolerates because every channel consumer re-reads on connect.
func (s *projectionService) Run(ctx context.Context) error {
	if s.rdb == nil {
		return fmt.Errorf("projection service requires a redis client")
	}
	for collName, hostField := range projectedCollections {
		go s.watchLoop(ctx, collName, hostField)
	}
	<-ctx.Done()
	log.Println("Projection service stopped.")
	return nil
}

func (s *projectionService) watchLoop(ctx context.Context, collName, hostField string) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.watchOnce(ctx, collName, hostField)
		if ctx.Err() != nil {
			return
		}
		log.Printf("Change stream on %s ended: %v. Reopening in %s.", collName, err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *projectionService) watchOnce(ctx context.Context, collName, hostField string) error {
	// updateLookup delivers the full post-image so subscribers never have to
	// read the store themselves.
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{
			"operationType": bson.M{"$in": bson.A{"insert", "update", "replace"}},
		}}},
	}
	stream, err := s.db.Collection(collName).Watch(ctx, pipeline, opts)
	if err != nil {
		return fmt.Errorf("failed to open change stream on %s: %w", collName, err)
	}
	defer stream.Close(ctx)
	log.Printf("Watching %s for dashboard projection.", collName)

	for stream.Next(ctx) {
		var event struct {
			OperationType string `bson:"operationType"`
			DocumentKey   struct {
				ID primitive.ObjectID `bson:"_id"`
			} `bson:"documentKey"`
			FullDocument bson.M `bson:"fullDocument"`
		}
		if err := stream.Decode(&event); err != nil {
			log.Printf("Warning: failed to decode change event on %s: %v", collName, err)
			continue
		}
		if event.FullDocument == nil {
			continue // Post-image already superseded, the next event carries it
		}
		hostID, ok := extractHostID(event.FullDocument, hostField)
		if !ok {
			continue
		}
		s.publish(ctx, hostID, collName, event.OperationType, event.DocumentKey.ID, event.FullDocument)
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func extractHostID(doc bson.M, hostField string) (primitive.ObjectID, bool) {
	raw, exists := doc[hostField]
	if !exists {
		return primitive.NilObjectID, false
	}
	id, ok := raw.(primitive.ObjectID)
	if !ok || id.IsZero() {
		return primitive.NilObjectID, false
	}
	return id, true
}

// publish is fire-and-forget: a Redis hiccup loses one event, never blocks
// the stream.
func (s *projectionService) publish(ctx context.Context, hostID primitive.ObjectID, collName, opType string, docID primitive.ObjectID, doc bson.M) {
	payload, err := json.Marshal(DashboardEvent{
		Collection:    collName,
		OperationType: opType,
		DocumentID:    docID.Hex(),
		Document:      doc,
		ObservedAt:    time.Now().UTC(),
	})
	if err != nil {
		log.Printf("Warning: failed to marshal dashboard event for %s: %v", collName, err)
		return
	}
	channel := fmt.Sprintf("dashboard:%s:%s", hostID.Hex(), collName)
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		log.Printf("Warning: failed to publish dashboard event to %s: %v", channel, err)
	}
}
