package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/apperror"
	"BrowserAgent/backend/go/pkg/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	tasksCollection = "tasks"
	logsCollection  = "task_logs"
)

// MongoStore is an implementation of TaskStore using MongoDB.
type MongoStore struct {
	tasks  *mongo.Collection
	logs   *mongo.Collection
	logger *logger.Logger
	sess   mongo.Session
}

// NewMongoStore creates a new MongoStore on db.
func NewMongoStore(db *mongo.Database, log *logger.Logger) *MongoStore {
	return &MongoStore{
		tasks:  db.Collection(tasksCollection),
		logs:   db.Collection(logsCollection),
		logger: log,
	}
}

// EnsureIndexes creates the indexes the queries rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "task_type", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create task indexes: %w", err)
	}
	_, err = s.logs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create task log index: %w", err)
	}
	return nil
}

// c binds ctx to the handle's session, if any.
func (s *MongoStore) c(ctx context.Context) context.Context {
	if s.sess == nil {
		return ctx
	}
	return mongo.NewSessionContext(ctx, s.sess)
}

// Create inserts a new PENDING task.
func (s *MongoStore) Create(ctx context.Context, id, taskType string, input []byte, retryOf string) error {
	task := &models.Task{
		ID:        id,
		TaskType:  taskType,
		Status:    models.TaskStatusPending,
		CreatedAt: now(),
		InputData: input,
	}
	if retryOf != "" {
		task.RetryOf = &retryOf
	}
	if _, err := s.tasks.InsertOne(s.c(ctx), task); err != nil {
		return fmt.Errorf("create task %s: %w", id, err)
	}
	return nil
}

// UpdateStatus filters on {_id, status in expected} so only one concurrent writer wins.
func (s *MongoStore) UpdateStatus(ctx context.Context, id string, status models.TaskStatus, expected []models.TaskStatus, fields StatusFields) (bool, error) {
	if err := checkTransition("mongo.UpdateStatus", status, expected); err != nil {
		return false, err
	}

	ts := now()
	// 流水线更新：started_at 只在为空时写入，字符串值用 $literal 避免被当作字段路径
	set := bson.M{
		"status":     string(status),
		"started_at": bson.M{"$ifNull": bson.A{"$started_at", ts}},
	}
	var unset bson.A
	if status.IsTerminal() {
		set["completed_at"] = ts
	}
	switch status {
	case models.TaskStatusCompleted:
		if len(fields.ResultData) > 0 {
			set["result_data"] = bson.M{"$literal": fields.ResultData}
		}
		unset = append(unset, "error_details")
	case models.TaskStatusFailed, models.TaskStatusCancelled:
		set["error_details"] = bson.M{"$literal": fields.ErrorDetails}
		unset = append(unset, "result_data")
	}
	update := mongo.Pipeline{{{Key: "$set", Value: set}}}
	if len(unset) > 0 {
		update = append(update, bson.D{{Key: "$unset", Value: unset}})
	}

	filter := bson.M{"_id": id, "status": bson.M{"$in": statusStrings(expected)}}
	res, err := s.tasks.UpdateOne(s.c(ctx), filter, update)
	if err != nil {
		return false, fmt.Errorf("update status of task %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		warnZeroRows(s.logger, id, status, expected, s.currentStatus(ctx, id))
		return false, nil
	}
	return true, nil
}

func (s *MongoStore) currentStatus(ctx context.Context, id string) string {
	var doc struct {
		Status string `bson:"status"`
	}
	err := s.tasks.FindOne(s.c(ctx), bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"status": 1})).Decode(&doc)
	if err != nil {
		return "task not found"
	}
	return doc.Status
}

// SetResult replaces result_data of a COMPLETED task.
func (s *MongoStore) SetResult(ctx context.Context, id string, data []byte) error {
	res, err := s.tasks.UpdateOne(s.c(ctx),
		bson.M{"_id": id, "status": models.TaskStatusCompleted},
		bson.M{"$set": bson.M{"result_data": data}})
	if err != nil {
		return fmt.Errorf("set result of task %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		current := s.currentStatus(ctx, id)
		if current == "task not found" {
			return notFound("mongo.SetResult", id)
		}
		return apperror.Conflict("mongo.SetResult", "result can only be set on a COMPLETED task, status is %s.", current)
	}
	return nil
}

// Get retrieves a task by its ID.
func (s *MongoStore) Get(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	err := s.tasks.FindOne(s.c(ctx), bson.M{"_id": id}).Decode(&task)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFound("mongo.Get", id)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &task, nil
}

// List returns a page of tasks, newest first.
func (s *MongoStore) List(ctx context.Context, limit, offset int) ([]models.Task, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(clampOffset(offset))).
		SetLimit(int64(ClampLimit(limit, DefaultListLimit, MaxListLimit)))
	return s.find(ctx, bson.M{}, opts)
}

// Search filters by status, type and age.
func (s *MongoStore) Search(ctx context.Context, q SearchQuery) ([]models.Task, error) {
	filter := bson.M{}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	if q.TaskType != "" {
		filter["task_type"] = q.TaskType
	}
	if q.SinceDays > 0 {
		filter["created_at"] = bson.M{"$gte": now().AddDate(0, 0, -q.SinceDays)}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(ClampLimit(q.Limit, DefaultListLimit, MaxListLimit)))
	return s.find(ctx, filter, opts)
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Task, error) {
	ctx = s.c(ctx)
	cursor, err := s.tasks.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find tasks: %w", err)
	}
	defer cursor.Close(ctx)

	tasks := []models.Task{}
	if err = cursor.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return tasks, nil
}

// Stats groups tasks by status.
func (s *MongoStore) Stats(ctx context.Context) (models.TaskStats, error) {
	ctx = s.c(ctx)
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$status"}, {Key: "count", Value: bson.M{"$sum": 1}}}}},
	}
	cursor, err := s.tasks.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status string `bson:"_id"`
		Count  int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode task stats: %w", err)
	}
	stats := models.NewTaskStats()
	for _, r := range rows {
		stats.Add(models.TaskStatus(r.Status), r.Count)
	}
	return stats, nil
}

// Delete removes a non-running task, then its logs.
func (s *MongoStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.tasks.DeleteOne(s.c(ctx), bson.M{"_id": id, "status": bson.M{"$ne": models.TaskStatusRunning}})
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		if s.currentStatus(ctx, id) == string(models.TaskStatusRunning) {
			return false, deleteRunning("mongo.Delete")
		}
		return false, nil
	}
	if _, err := s.logs.DeleteMany(s.c(ctx), bson.M{"task_id": id}); err != nil {
		return true, fmt.Errorf("delete logs of task %s: %w", id, err)
	}
	return true, nil
}

// AppendLog increments log_seq atomically and inserts the entry with it.
func (s *MongoStore) AppendLog(ctx context.Context, id string, level models.LogLevel, message string) {
	var doc struct {
		LogSeq int64 `bson:"log_seq"`
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"log_seq": 1})
	err := s.tasks.FindOneAndUpdate(s.c(ctx), bson.M{"_id": id}, bson.M{"$inc": bson.M{"log_seq": 1}}, opts).Decode(&doc)
	if err == nil {
		_, err = s.logs.InsertOne(s.c(ctx), models.TaskLog{
			TaskID:    id,
			Seq:       doc.LogSeq,
			Timestamp: now(),
			Level:     models.NormalizeLogLevel(string(level)),
			Message:   message,
		})
	}
	if err != nil {
		reportLogFailure(s.logger, id, level, message, err)
	}
}

// Logs returns entries ordered by seq.
func (s *MongoStore) Logs(ctx context.Context, id string, q LogQuery) ([]models.TaskLog, error) {
	if n, err := s.tasks.CountDocuments(s.c(ctx), bson.M{"_id": id}); err != nil {
		return nil, fmt.Errorf("logs of task %s: %w", id, err)
	} else if n == 0 {
		return nil, notFound("mongo.Logs", id)
	}

	filter := bson.M{"task_id": id}
	if level := parseLevelFilter(s.logger, id, q.Level); level != "" {
		filter["level"] = level
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetLimit(int64(ClampLimit(q.Limit, DefaultLogLimit, MaxLogLimit)))

	ctx = s.c(ctx)
	cursor, err := s.logs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("logs of task %s: %w", id, err)
	}
	defer cursor.Close(ctx)
	entries := []models.TaskLog{}
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("decode logs of task %s: %w", id, err)
	}
	return entries, nil
}

// MongoProvider hands out one causally consistent session per handle.
type MongoProvider struct {
	client *mongo.Client
	db     *mongo.Database
	logger *logger.Logger
	shared *MongoStore
}

// NewMongoProvider wraps a connected client.
func NewMongoProvider(client *mongo.Client, database string, log *logger.Logger) *MongoProvider {
	db := client.Database(database)
	return &MongoProvider{client: client, db: db, logger: log, shared: NewMongoStore(db, log)}
}

func (p *MongoProvider) Shared() TaskStore { return p.shared }

// EnsureIndexes creates the indexes on first start.
func (p *MongoProvider) EnsureIndexes(ctx context.Context) error {
	return p.shared.EnsureIndexes(ctx)
}

func (p *MongoProvider) Acquire(ctx context.Context) (Handle, error) {
	sess, err := p.client.StartSession(options.Session().SetCausalConsistency(true))
	if err != nil {
		return nil, fmt.Errorf("acquire store handle: %w", err)
	}
	st := NewMongoStore(p.db, p.logger)
	st.sess = sess
	return &mongoHandle{MongoStore: st}, nil
}

func (p *MongoProvider) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx, nil)
}

func (p *MongoProvider) Close() error {
	return p.client.Disconnect(context.Background())
}

type mongoHandle struct {
	*MongoStore
	once sync.Once
}

func (h *mongoHandle) Release() error {
	h.once.Do(func() { h.sess.EndSession(context.Background()) })
	return nil
}
