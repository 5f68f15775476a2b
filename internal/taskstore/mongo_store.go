package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/taskworker/pkg/api"
)

// MongoStore implements TaskStore on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:               string,    // task id
//	  batchId:           string,
//	  handler:           string,
//	  remainingAttempts: int,
//	  params:            []byte,    // JSON-encoded params
//	  taken:             bool,
//	  queuedAt:          time.Time,
//	}
type MongoStore struct {
	coll *mongo.Collection
	opts options
}

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "taskworker", collName to "tasks".
func NewMongoStore(client *mongo.Client, dbName, collName string, opts ...Option) *MongoStore {
	if dbName == "" {
		dbName = "taskworker"
	}
	if collName == "" {
		collName = "tasks"
	}
	o := buildOptions(opts)
	return &MongoStore{
		coll: client.Database(dbName).Collection(o.prefix + collName),
		opts: o,
	}
}

// Ensure MongoStore implements TaskStore.
var _ api.TaskStore = (*MongoStore)(nil)

type mongoTaskDoc struct {
	ID                string    `bson:"_id"`
	BatchID           string    `bson:"batchId"`
	Handler           string    `bson:"handler"`
	RemainingAttempts int       `bson:"remainingAttempts"`
	Params            []byte    `bson:"params"`
	Taken             bool      `bson:"taken"`
	QueuedAt          time.Time `bson:"queuedAt"`
}

func (d mongoTaskDoc) task() (*api.Task, error) {
	params, err := DecodeParams(d.Params)
	if err != nil {
		return nil, err
	}
	return &api.Task{
		BatchID:           d.BatchID,
		TaskID:            d.ID,
		Handler:           d.Handler,
		RemainingAttempts: d.RemainingAttempts,
		Params:            params,
	}, nil
}

// EnsureIndexes creates the index used by claims. It is optional; claims
// work without it on small collections.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "taken", Value: 1}, {Key: "queuedAt", Value: 1}},
	})
	return err
}

func (s *MongoStore) PutTask(ctx context.Context, t api.Task) error {
	t = s.opts.prepare(t)
	params, err := EncodeParams(t.Params)
	if err != nil {
		return fmt.Errorf("encode params for %q: %w", t.TaskID, err)
	}

	_, err = s.coll.InsertOne(ctx, mongoTaskDoc{
		ID:                t.TaskID,
		BatchID:           t.BatchID,
		Handler:           t.Handler,
		RemainingAttempts: t.RemainingAttempts,
		Params:            params,
		QueuedAt:          time.Now().UTC(),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("put %q: %w", t.TaskID, ErrDuplicateTask)
		}
		return api.StoreUnavailable("mongo put", err)
	}
	return nil
}

func (s *MongoStore) ClaimAvailableTask(ctx context.Context) (*api.Task, error) {
	var doc mongoTaskDoc
	err := s.coll.FindOneAndUpdate(
		ctx,
		bson.M{"taken": false},
		bson.M{"$set": bson.M{"taken": true}},
		mongoopts.FindOneAndUpdate().
			SetSort(bson.D{{Key: "queuedAt", Value: 1}, {Key: "_id", Value: 1}}).
			SetReturnDocument(mongoopts.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, api.StoreUnavailable("mongo claim", err)
	}

	t, err := doc.task()
	if err != nil {
		return nil, fmt.Errorf("decode task %q: %w", doc.ID, err)
	}
	return t, nil
}

func (s *MongoStore) RequeueTask(ctx context.Context, t api.Task) error {
	params, err := EncodeParams(t.Params)
	if err != nil {
		return fmt.Errorf("encode params for %q: %w", t.TaskID, err)
	}

	res, err := s.coll.UpdateByID(ctx, t.TaskID, bson.M{"$set": bson.M{
		"remainingAttempts": t.RemainingAttempts,
		"params":            params,
		"taken":             false,
		"queuedAt":          time.Now().UTC(),
	}})
	if err != nil {
		return api.StoreUnavailable("mongo requeue", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("requeue %q: %w", t.TaskID, ErrTaskNotFound)
	}
	return nil
}

func (s *MongoStore) CloseTask(ctx context.Context, t api.Task) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": t.TaskID}); err != nil {
		return api.StoreUnavailable("mongo close", err)
	}
	return nil
}

// Len returns an approximate number of stored tasks.
func (s *MongoStore) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := s.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0
	}
	return int(n)
}
