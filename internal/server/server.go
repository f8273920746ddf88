// Package server is the HTTP ingress: it accepts audio uploads, enqueues
// transcription jobs on the broker, and serves job status, formatted
// results, per-job logs, and the live service registry.
package server

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/voxfarm/voxfarm/internal/broker"
	"github.com/voxfarm/voxfarm/internal/format"
	"github.com/voxfarm/voxfarm/internal/transcribe"
)

// maxUploadMemory bounds the in-memory portion of multipart parsing; larger
// uploads spill to temp files.
const maxUploadMemory = 32 << 20

// Broker is the task broker surface the ingress needs: submission, status
// reads, revocation and service discovery.
type Broker interface {
	Submit(ctx context.Context, task, queue string, args any) (string, error)
	TaskState(ctx context.Context, id string) (broker.State, error)
	TaskSteps(ctx context.Context, id string) (broker.Steps, error)
	TaskResult(ctx context.Context, id string) (json.RawMessage, error)
	TaskFailure(ctx context.Context, id string) (string, error)
	Revoke(ctx context.Context, id string) error
	ListServices(ctx context.Context) ([]broker.ServiceInfo, error)
}

// Results reads persisted result documents.
type Results interface {
	FetchResult(ctx context.Context, resultID string) (*transcribe.ResultDocument, error)
}

// BrokerAdapter adapts the broker client to the Broker interface, reducing
// submissions to their job id.
type BrokerAdapter struct {
	Client *broker.Client
}

var _ Broker = BrokerAdapter{}

func (a BrokerAdapter) Submit(ctx context.Context, task, queue string, args any) (string, error) {
	h, err := a.Client.Submit(ctx, task, queue, args)
	if err != nil {
		return "", err
	}
	return h.ID(), nil
}

func (a BrokerAdapter) TaskState(ctx context.Context, id string) (broker.State, error) {
	return a.Client.TaskState(ctx, id)
}

func (a BrokerAdapter) TaskSteps(ctx context.Context, id string) (broker.Steps, error) {
	return a.Client.TaskSteps(ctx, id)
}

func (a BrokerAdapter) TaskResult(ctx context.Context, id string) (json.RawMessage, error) {
	return a.Client.TaskResult(ctx, id)
}

func (a BrokerAdapter) TaskFailure(ctx context.Context, id string) (string, error) {
	return a.Client.TaskFailure(ctx, id)
}

func (a BrokerAdapter) Revoke(ctx context.Context, id string) error {
	return a.Client.Revoke(ctx, id)
}

func (a BrokerAdapter) ListServices(ctx context.Context) ([]broker.ServiceInfo, error) {
	return a.Client.ListServices(ctx)
}

// Config wires a Server.
type Config struct {
	Broker  Broker
	Results Results

	// ServiceName decides the job queue (<name>_requests).
	ServiceName string

	// AudioDir receives uploaded audio files.
	AudioDir string

	// LogDir is where per-job log files live; empty disables /job-log.
	LogDir string

	// Language is the service language, used when formatting results.
	Language string
}

// Server holds the ingress handlers. Safe for concurrent use.
type Server struct {
	cfg      Config
	jobQueue string
	log      *slog.Logger
}

// New builds a Server.
func New(cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		jobQueue: broker.RequestQueue(cfg.ServiceName),
		log:      slog.With("component", "server"),
	}
}

// Register adds the ingress routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /transcribe", s.handleTranscribe)
	mux.HandleFunc("POST /transcribe-multi", s.handleTranscribeMulti)
	mux.HandleFunc("GET /job/{id}", s.handleJobStatus)
	mux.HandleFunc("GET /results/{id}", s.handleResults)
	mux.HandleFunc("GET /revoke/{id}", s.handleRevoke)
	mux.HandleFunc("GET /job-log/{id}", s.handleJobLog)
	mux.HandleFunc("GET /list-services", s.handleListServices)
	mux.HandleFunc("GET /healthcheck", s.handleHealthcheck)
}

// Handler returns the ingress routes on a fresh mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// supportedMedia are the response types results can be rendered as.
var supportedMedia = []string{
	format.MediaJSON,
	format.MediaText,
	format.MediaVTT,
	format.MediaSRT,
}

// negotiateMedia resolves the Accept header to a supported media type. An
// empty or wildcard Accept defaults to JSON.
func negotiateMedia(accept string) (string, error) {
	if strings.TrimSpace(accept) == "" {
		return format.MediaJSON, nil
	}
	for _, part := range strings.Split(accept, ",") {
		media := strings.TrimSpace(part)
		if i := strings.IndexByte(media, ';'); i >= 0 {
			media = strings.TrimSpace(media[:i])
		}
		if media == "*/*" {
			return format.MediaJSON, nil
		}
		for _, m := range supportedMedia {
			if media == m {
				return m, nil
			}
		}
	}
	return "", fmt.Errorf("Accept format %s not supported. Supported MIME types are: %s",
		accept, strings.Join(supportedMedia, " "))
}

// md5Hex is the content hash used throughout the resource naming scheme.
func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// jobHash combines the audio content hash with the pre-transcription
// signature (external timestamps, or the VAD configuration): two uploads
// share a hash only when the words that come out must be identical.
func jobHash(content []byte, signature string) string {
	return md5Hex([]byte(md5Hex(content) + " " + signature))
}

// randomSuffix distinguishes stored files that share a content hash.
func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// truthy interprets the loose boolean form values clients send.
func truthy(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"state":"failed"}`, http.StatusInternalServerError)
	}
}
