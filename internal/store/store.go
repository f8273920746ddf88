// Package store is the MongoDB-backed persistence layer: the per-file word
// cache consulted before fanning out transcriptions, and the final result
// documents served by the results endpoint.
//
// The two concerns carry different failure policies. Cache reads are soft —
// an unreachable database is reported as a miss so jobs degrade to doing the
// work again. Writing a final result is fatal for the job, so those errors
// propagate.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/voxfarm/voxfarm/internal/transcribe"
)

// serverSelectionTimeout bounds how long any operation waits for a reachable
// server before the database counts as unavailable.
const serverSelectionTimeout = 3 * time.Second

const (
	transcriptionsCollection = "transcriptions"
	resultsCollection        = "results"
)

// CachedTranscription is the word cache entry for one (audio content,
// pre-processing signature) pair.
type CachedTranscription struct {
	Hash          string            `bson:"_id"`
	Datetime      time.Time         `bson:"datetime"`
	Words         []transcribe.Word `bson:"words"`
	WordLanguages []string          `bson:"word_languages,omitempty"`
}

// FinalResult is the persisted outcome of a completed job.
type FinalResult struct {
	ID          string                    `bson:"_id"`
	Hash        string                    `bson:"hash"`
	JobID       string                    `bson:"job_id"`
	ServiceName string                    `bson:"service_name"`
	Datetime    time.Time                 `bson:"datetime"`
	Config      string                    `bson:"config"`
	Result      transcribe.ResultDocument `bson:"result"`
}

// Store wraps a Mongo database handle. Safe for concurrent use.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    *slog.Logger
}

// New connects to MongoDB at host:port and selects dbName. The connection is
// verified with a ping so a misconfigured store fails at startup, not on the
// first job.
func New(ctx context.Context, host, port, dbName string) (*Store, error) {
	uri := fmt.Sprintf("mongodb://%s:%s", host, port)
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(serverSelectionTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", uri, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("store: ping %s: %w", uri, err)
	}

	return &Store{
		client: client,
		db:     client.Database(dbName),
		log:    slog.With("component", "store"),
	}, nil
}

// Close disconnects from the database.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("store: disconnect: %w", err)
	}
	return nil
}

// Ping reports database reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// FetchTranscription looks up the word cache. Both a missing entry and an
// unreachable database come back as (nil, nil); the latter additionally logs
// a warning. Jobs must never fail because the cache was cold or down.
func (s *Store) FetchTranscription(ctx context.Context, fileHash string) (*CachedTranscription, error) {
	var cached CachedTranscription
	err := s.db.Collection(transcriptionsCollection).
		FindOne(ctx, bson.M{"_id": fileHash}).
		Decode(&cached)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		s.log.Warn("word cache read failed, treating as miss", "hash", fileHash, "error", err)
		return nil, nil
	}
	return &cached, nil
}

// PushTranscription upserts a word cache entry keyed by file hash. Callers
// treat a returned error as best-effort: logged, never fatal.
func (s *Store) PushTranscription(ctx context.Context, fileHash string, words []transcribe.Word, langs []string) error {
	entry := CachedTranscription{
		Hash:          fileHash,
		Datetime:      time.Now().UTC(),
		Words:         words,
		WordLanguages: langs,
	}
	_, err := s.db.Collection(transcriptionsCollection).ReplaceOne(ctx,
		bson.M{"_id": fileHash},
		entry,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store: push transcription %s: %w", fileHash, err)
	}
	return nil
}

// FetchResult returns a persisted result document, or nil when the id is
// unknown.
func (s *Store) FetchResult(ctx context.Context, resultID string) (*transcribe.ResultDocument, error) {
	var final FinalResult
	err := s.db.Collection(resultsCollection).
		FindOne(ctx, bson.M{"_id": resultID}).
		Decode(&final)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetch result %s: %w", resultID, err)
	}
	return &final.Result, nil
}

// PushResultParams carries everything persisted with a final result.
type PushResultParams struct {
	FileHash    string
	JobID       string
	ServiceName string
	ConfigJSON  string
	Result      transcribe.ResultDocument
}

// PushResult inserts a final result under a fresh uuid and returns that id.
// Failure here is fatal for the calling job.
func (s *Store) PushResult(ctx context.Context, p PushResultParams) (string, error) {
	final := FinalResult{
		ID:          uuid.NewString(),
		Hash:        p.FileHash,
		JobID:       p.JobID,
		ServiceName: p.ServiceName,
		Datetime:    time.Now().UTC(),
		Config:      p.ConfigJSON,
		Result:      p.Result,
	}
	if _, err := s.db.Collection(resultsCollection).InsertOne(ctx, final); err != nil {
		return "", fmt.Errorf("store: push result for job %s: %w", p.JobID, err)
	}
	return final.ID, nil
}
