// Package mongo stores jobs and performance results in MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitespeed/internal/core/job"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	colJobs    = "jobs"
	colResults = "performancetestresults"
)

var _ job.Store = (*Store)(nil)

type Options struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// Store owns its client; Close disconnects it.
type Store struct {
	client *mongod.Client
	db     *mongod.Database
}

// Connect dials MongoDB, verifies the connection and ensures indexes.
func Connect(ctx context.Context, o Options) (*Store, error) {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	client, err := mongod.Connect(options.Client().ApplyURI(o.URI).SetConnectTimeout(o.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, o.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	s := &Store{client: client, db: client.Database(o.Database)}
	if err := s.Migrate(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Migrate creates the collection indexes. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colJobs: {
			// Sweep: pending jobs by age.
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
			// Recent completions.
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "completedAt", Value: -1}}},
		},
		colResults: {
			{Keys: bson.D{{Key: "jobId", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Drop removes both collections.
func (s *Store) Drop(ctx context.Context) error {
	for _, col := range []string{colJobs, colResults} {
		if err := s.db.Collection(col).Drop(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	if _, err := s.db.Collection(colJobs).InsertOne(ctx, toJobDoc(j)); err != nil {
		return fmt.Errorf("mongo: insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	var d jobDoc
	err := s.db.Collection(colJobs).FindOne(ctx, bson.M{"_id": jobID}).Decode(&d)
	if isNoDocuments(err) {
		return nil, job.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: get job: %w", err)
	}
	return d.toJob(), nil
}

func (s *Store) GetJobWithResult(ctx context.Context, jobID string) (*job.Job, *job.Result, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if j.ResultRef == "" {
		return j, nil, nil
	}
	var d resultDoc
	err = s.db.Collection(colResults).FindOne(ctx, bson.M{"_id": j.ResultRef}).Decode(&d)
	if isNoDocuments(err) {
		return j, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("mongo: get result: %w", err)
	}
	return j, d.toResult(), nil
}

func (s *Store) CreateResult(ctx context.Context, r *job.Result) error {
	_, err := s.db.Collection(colResults).InsertOne(ctx, toResultDoc(r))
	if isDuplicateKey(err) {
		return job.ErrResultExists
	}
	if err != nil {
		return fmt.Errorf("mongo: insert result: %w", err)
	}
	return nil
}

func (s *Store) FinalizeJob(ctx context.Context, jobID string, f job.Finalization) (bool, error) {
	set := bson.M{
		"status":      string(f.Status),
		"completedAt": f.CompletedAt,
	}
	if f.ResultRef != "" {
		set["resultRef"] = f.ResultRef
	}
	if f.Error != "" {
		set["error"] = f.Error
	}
	res, err := s.db.Collection(colJobs).UpdateOne(ctx,
		bson.M{"_id": jobID, "status": string(job.StatusPending)},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, fmt.Errorf("mongo: finalize job: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]job.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.db.Collection(colJobs).Find(ctx,
		bson.M{"status": string(job.StatusPending), "createdAt": bson.M{"$lt": cutoff}},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("mongo: list stale jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []jobDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: list stale decode: %w", err)
	}
	out := make([]job.Job, 0, len(docs))
	for i := range docs {
		out = append(out, *docs[i].toJob())
	}
	return out, nil
}

func (s *Store) RecentCompleted(ctx context.Context, limit int) ([]job.Completion, error) {
	opts := options.Find().SetSort(bson.D{{Key: "completedAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.db.Collection(colJobs).Find(ctx,
		bson.M{"status": string(job.StatusCompleted), "resultRef": bson.M{"$exists": true}},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("mongo: recent jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var jobs []jobDoc
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("mongo: recent jobs decode: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	refs := make([]string, 0, len(jobs))
	for _, d := range jobs {
		refs = append(refs, d.ResultRef)
	}
	rc, err := s.db.Collection(colResults).Find(ctx, bson.M{"_id": bson.M{"$in": refs}})
	if err != nil {
		return nil, fmt.Errorf("mongo: recent results: %w", err)
	}
	defer rc.Close(ctx)

	var results []resultDoc
	if err := rc.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("mongo: recent results decode: %w", err)
	}
	byID := make(map[string]*resultDoc, len(results))
	for i := range results {
		byID[results[i].ID] = &results[i]
	}

	out := make([]job.Completion, 0, len(jobs))
	for i := range jobs {
		r, ok := byID[jobs[i].ResultRef]
		if !ok {
			continue
		}
		out = append(out, job.Completion{Job: *jobs[i].toJob(), Result: *r.toResult()})
	}
	return out, nil
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "E11000")
}
