package logsvc

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/taskworker/pkg/api"
)

// MongoLogService persists log events in three MongoDB collections:
// task_records, task_logs and workers.
//
// Record document schema:
//
//	{
//	  _id:      string,    // record id
//	  task:     {taskId, batchId, handler, remainingAttempts, params},
//	  workerId: string,
//	  started:  time.Time,
//	  finished: time.Time,
//	  elapsed:  int64,     // nanoseconds
//	  result:   string,    // JSON
//	  error:    string,
//	}
type MongoLogService struct {
	records *mongo.Collection
	logs    *mongo.Collection
	workers *mongo.Collection
	ids     *correlator
	logger  *slog.Logger
}

// NewMongoLogService uses dbName (default "taskworker") with collection
// names prefixed by prefix.
func NewMongoLogService(client *mongo.Client, dbName, prefix string, logger *slog.Logger) *MongoLogService {
	if dbName == "" {
		dbName = "taskworker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	db := client.Database(dbName)
	return &MongoLogService{
		records: db.Collection(prefix + "task_records"),
		logs:    db.Collection(prefix + "task_logs"),
		workers: db.Collection(prefix + "workers"),
		ids:     newCorrelator(logger),
		logger:  logger,
	}
}

var (
	_ api.LogService  = (*MongoLogService)(nil)
	_ api.InfoService = (*MongoLogService)(nil)
)

type mongoTaskDoc struct {
	TaskID            string `bson:"taskId"`
	BatchID           string `bson:"batchId"`
	Handler           string `bson:"handler"`
	RemainingAttempts int    `bson:"remainingAttempts"`
	Params            string `bson:"params"`
}

type mongoRecordDoc struct {
	ID       string       `bson:"_id"`
	Task     mongoTaskDoc `bson:"task"`
	WorkerID string       `bson:"workerId"`
	Started  time.Time    `bson:"started"`
	Finished time.Time    `bson:"finished"`
	Elapsed  int64        `bson:"elapsed"`
	Result   string       `bson:"result"`
	Error    string       `bson:"error"`
}

func (d mongoRecordDoc) record() api.TaskRecord {
	rec := api.TaskRecord{
		Task: api.Task{
			TaskID:            d.Task.TaskID,
			BatchID:           d.Task.BatchID,
			Handler:           d.Task.Handler,
			RemainingAttempts: d.Task.RemainingAttempts,
		},
		WorkerID: d.WorkerID,
		Started:  d.Started.UTC(),
		Elapsed:  time.Duration(d.Elapsed),
		Result:   unmarshalJSON(d.Result),
		Error:    d.Error,
	}
	if !d.Finished.IsZero() {
		rec.Finished = d.Finished.UTC()
	}
	if p, ok := unmarshalJSON(d.Task.Params).(map[string]any); ok {
		rec.Task.Params = p
	}
	return rec
}

type mongoLogDoc struct {
	TaskID   string    `bson:"taskId"`
	WorkerID string    `bson:"workerId"`
	Tick     time.Time `bson:"tick"`
	Contents string    `bson:"contents"`
}

type mongoWorkerDoc struct {
	ID        string    `bson:"_id"`
	Hostname  string    `bson:"hostname"`
	Heartbeat time.Time `bson:"heartbeat"`
}

// EnsureIndexes creates the indexes used by the Find queries.
func (s *MongoLogService) EnsureIndexes(ctx context.Context) error {
	if _, err := s.records.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "task.taskId", Value: 1}, {Key: "started", Value: -1}},
	}); err != nil {
		return err
	}
	_, err := s.logs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "taskId", Value: 1}, {Key: "tick", Value: 1}},
	})
	return err
}

func taskDoc(t api.Task) (mongoTaskDoc, error) {
	params, err := marshalJSON(t.Params)
	if err != nil {
		return mongoTaskDoc{}, err
	}
	return mongoTaskDoc{
		TaskID:            t.TaskID,
		BatchID:           t.BatchID,
		Handler:           t.Handler,
		RemainingAttempts: t.RemainingAttempts,
		Params:            params,
	}, nil
}

func (s *MongoLogService) TaskStarted(ctx context.Context, _ *api.TaskContext, rec api.TaskRecord) error {
	id := s.ids.start(rec.Task.TaskID)
	task, err := taskDoc(rec.Task)
	if err != nil {
		return err
	}
	_, err = s.records.UpdateByID(ctx, id, bson.M{"$setOnInsert": bson.M{
		"task":     task,
		"workerId": rec.WorkerID,
		"started":  rec.Started.UTC(),
	}}, options.Update().SetUpsert(true))
	return err
}

func (s *MongoLogService) Log(ctx context.Context, _ *api.TaskContext, line api.TaskLog) error {
	contents, err := marshalJSON(wrapContents(line.Contents))
	if err != nil {
		return err
	}
	_, err = s.logs.InsertOne(ctx, mongoLogDoc{
		TaskID:   line.TaskID,
		WorkerID: line.WorkerID,
		Tick:     line.Tick.UTC(),
		Contents: contents,
	})
	return err
}

func (s *MongoLogService) TaskCompleted(ctx context.Context, _ *api.TaskContext, rec api.TaskRecord) error {
	id := s.ids.finish(rec)
	task, err := taskDoc(rec.Task)
	if err != nil {
		return err
	}
	result, err := marshalJSON(rec.Result)
	if err != nil {
		return err
	}
	_, err = s.records.UpdateByID(ctx, id, bson.M{
		"$set": bson.M{
			"finished": rec.Finished.UTC(),
			"elapsed":  int64(rec.Elapsed),
			"result":   result,
			"error":    rec.Error,
		},
		"$setOnInsert": bson.M{
			"task":     task,
			"workerId": rec.WorkerID,
			"started":  rec.Started.UTC(),
		},
	}, options.Update().SetUpsert(true))
	return err
}

func (s *MongoLogService) WorkerHeartbeat(ctx context.Context, hb api.WorkerHeartbeat) error {
	_, err := s.workers.UpdateByID(ctx, hb.WorkerID, bson.M{"$set": bson.M{
		"hostname":  hb.Hostname,
		"heartbeat": hb.Timestamp.UTC(),
	}}, options.Update().SetUpsert(true))
	return err
}

// filter builds an equality filter from key/value pairs, skipping empty values.
func filter(pairs ...string) bson.M {
	f := bson.M{}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			f[pairs[i]] = pairs[i+1]
		}
	}
	return f
}

func (s *MongoLogService) FindTasks(ctx context.Context, q api.FindTasks) ([]api.TaskRecord, error) {
	cur, err := s.records.Find(ctx,
		filter("task.taskId", q.TaskID, "task.batchId", q.BatchID, "task.handler", q.Handler, "workerId", q.WorkerID),
		options.Find().
			SetSort(bson.D{{Key: "started", Value: -1}, {Key: "_id", Value: 1}}).
			SetLimit(int64(api.EffectiveLimit(q.Limit))),
	)
	if err != nil {
		return nil, err
	}
	var docs []mongoRecordDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]api.TaskRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

func (s *MongoLogService) FindLogs(ctx context.Context, q api.FindLogs) ([]api.TaskLog, error) {
	cur, err := s.logs.Find(ctx,
		filter("taskId", q.TaskID, "workerId", q.WorkerID),
		options.Find().
			SetSort(bson.D{{Key: "tick", Value: 1}, {Key: "_id", Value: 1}}).
			SetLimit(int64(api.EffectiveLimit(q.Limit))),
	)
	if err != nil {
		return nil, err
	}
	var docs []mongoLogDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]api.TaskLog, 0, len(docs))
	for _, d := range docs {
		out = append(out, api.TaskLog{
			TaskID:   d.TaskID,
			WorkerID: d.WorkerID,
			Tick:     d.Tick.UTC(),
			Contents: unmarshalJSON(d.Contents),
		})
	}
	return out, nil
}

func (s *MongoLogService) FindWorkers(ctx context.Context, q api.FindWorkers) ([]api.WorkerHeartbeat, error) {
	cur, err := s.workers.Find(ctx,
		filter("_id", q.WorkerID),
		options.Find().
			SetSort(bson.D{{Key: "heartbeat", Value: -1}}).
			SetLimit(int64(api.EffectiveLimit(q.Limit))),
	)
	if err != nil {
		return nil, err
	}
	var docs []mongoWorkerDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]api.WorkerHeartbeat, 0, len(docs))
	for _, d := range docs {
		out = append(out, api.WorkerHeartbeat{WorkerID: d.ID, Hostname: d.Hostname, Timestamp: d.Heartbeat.UTC()})
	}
	return out, nil
}
