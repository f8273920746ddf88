// Package orchestrator drives a transcription job through its lifecycle:
// resolve auxiliary services, transcode and split the audio, consult the
// word cache, fan transcription sub-tasks out over the broker, merge and
// speaker-align the words, optionally punctuate, and persist the final
// document. One job runs on one worker goroutine; inside a job the
// orchestrator is sequential and blocks on remote handles.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voxfarm/voxfarm/internal/broker"
	"github.com/voxfarm/voxfarm/internal/resolver"
	"github.com/voxfarm/voxfarm/internal/store"
	"github.com/voxfarm/voxfarm/internal/transcribe"
	"github.com/voxfarm/voxfarm/pkg/audio"
)

// TaskName is the broker task under which the ingress enqueues whole jobs.
const TaskName = "transcription_task"

// Step names published in job progress metadata.
const (
	StepPreprocessing  = "preprocessing"
	StepTranscription  = "transcription"
	StepDiarization    = "diarization"
	StepPunctuation    = "punctuation"
	StepPostprocessing = "postprocessing"
)

// TaskHandle is one outstanding remote sub-task.
type TaskHandle interface {
	ID() string
	Get(ctx context.Context) (json.RawMessage, error)
	Revoke(ctx context.Context) error
}

// TaskClient submits sub-tasks to worker queues.
type TaskClient interface {
	Submit(ctx context.Context, task, queue string, args any) (TaskHandle, error)
}

// Cache is the persistence surface the orchestrator needs: the soft word
// cache and the fatal final persist.
type Cache interface {
	FetchTranscription(ctx context.Context, fileHash string) (*store.CachedTranscription, error)
	PushTranscription(ctx context.Context, fileHash string, words []transcribe.Word, langs []string) error
	PushResult(ctx context.Context, p store.PushResultParams) (string, error)
}

// TaskResolver binds enabled sub-tasks to live worker queues.
type TaskResolver interface {
	Resolve(ctx context.Context, tasks ...resolver.Task) error
}

// Segmenter turns an uploaded file into canonical sub-segments.
type Segmenter interface {
	Transcode(ctx context.Context, path string) (string, error)
	Split(path string, vad transcribe.VADConfig, stamps []audio.Timestamp) ([]audio.Segment, audio.Stats, error)
}

// ProgressSink publishes per-job step metadata.
type ProgressSink interface {
	SetSteps(ctx context.Context, id string, steps broker.Steps) error
}

// Metrics receives job-level and sub-task observations. Optional; a nil
// Metrics disables instrumentation.
type Metrics interface {
	JobStarted(ctx context.Context)
	JobFinished(ctx context.Context, outcome string, seconds float64)
	StepObserved(ctx context.Context, step string, seconds float64)
	RecordSubtask(ctx context.Context, task, queue string)
	RecordSubtaskError(ctx context.Context, task string)
}

// Config wires an Orchestrator.
type Config struct {
	Tasks    TaskClient
	Cache    Cache
	Resolver TaskResolver
	Segments Segmenter
	Progress ProgressSink
	Metrics  Metrics

	// ServiceName is this service's registry name, recorded on results.
	ServiceName string

	// TranscribeQueue is the queue the transcription model workers consume.
	TranscribeQueue string

	// Language is the default language when the job config names none.
	Language string

	// KeepAudio disables deletion of the canonical file at job end.
	KeepAudio bool

	// LogDir, when set, receives one log file per job.
	LogDir string
}

// Orchestrator executes jobs. Safe for concurrent use; each Process call is
// independent.
type Orchestrator struct {
	cfg Config
	log *slog.Logger
}

// New builds an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.TranscribeQueue == "" {
		cfg.TranscribeQueue = broker.RequestQueue("transcription")
	}
	return &Orchestrator{cfg: cfg, log: slog.With("component", "orchestrator")}
}

// JobArgs is the payload the ingress enqueues for one job. AudioPaths holds
// a single element for ordinary jobs and one path per file for multi-file
// jobs.
type JobArgs struct {
	AudioPaths []string           `json:"audio_paths"`
	FileHash   string             `json:"file_hash"`
	Timestamps []audio.Timestamp  `json:"timestamps,omitempty"`
	Config     *transcribe.Config `json:"config"`
	KeepAudio  bool               `json:"keep_audio,omitempty"`

	// FileNames are the original upload names of a multi-file job. Each
	// file's speech is attributed to its name; the stored paths are
	// hash-named and carry no meaning.
	FileNames []string `json:"filenames,omitempty"`
}

// transcribeArgs is the payload sent to a transcription model worker.
type transcribeArgs struct {
	AudioPath string `json:"audio_path"`
	Language  string `json:"language,omitempty"`
}

// diarizationArgs is the payload sent to a diarization worker.
type diarizationArgs struct {
	AudioPath          string `json:"audio_path"`
	NumberOfSpeaker    int    `json:"number_of_speaker,omitempty"`
	MaxNumberOfSpeaker int    `json:"max_number_of_speaker,omitempty"`
}

// punctuationArgs is the payload sent to a punctuation worker: one text per
// speech segment.
type punctuationArgs struct {
	Sentences []string `json:"sentences"`
}

// Process runs one job to completion and returns the persisted result id.
func (o *Orchestrator) Process(ctx context.Context, jobID string, args JobArgs) (resultID string, err error) {
	started := time.Now()
	log, closeLog := o.jobLogger(jobID)
	defer closeLog()

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.JobStarted(ctx)
		defer func() {
			outcome := "success"
			if err != nil {
				outcome = "failure"
				if errors.Is(err, context.Canceled) {
					outcome = "revoked"
				}
			}
			o.cfg.Metrics.JobFinished(ctx, outcome, time.Since(started).Seconds())
		}()
	}

	if len(args.AudioPaths) == 0 {
		return "", errors.New("orchestrator: job without audio")
	}
	cfg := args.Config
	if cfg == nil {
		def := transcribe.DefaultConfig()
		cfg = &def
	}
	language := cfg.Language
	if language == "" {
		language = o.cfg.Language
	}
	multi := len(args.AudioPaths) > 1

	// The word cache is keyed per language: the same audio transcribed under
	// a different model language is a different set of words.
	cacheKey := args.FileHash
	if language != "" {
		cacheKey += "-" + language
	}

	// External timestamps fix the segment boundaries; diarization would
	// contradict them.
	if len(args.Timestamps) > 0 {
		cfg.Diarization.Enable = false
	}

	steps := broker.Steps{}
	publish := func() {
		if perr := o.cfg.Progress.SetSteps(ctx, jobID, steps); perr != nil {
			log.Warn("publishing job progress failed", "error", perr)
		}
	}

	// ─── Resolution ──────────────────────────────────────────────────────

	if rerr := o.cfg.Resolver.Resolve(ctx, &cfg.Diarization, &cfg.Punctuation); rerr != nil {
		log.Error("job unresolvable", "error", rerr)
		return "", rerr
	}

	// ─── Preprocessing ───────────────────────────────────────────────────

	stepStarted := time.Now()
	steps.Start(StepPreprocessing)
	publish()

	canonical := make([]string, 0, len(args.AudioPaths))
	for _, path := range args.AudioPaths {
		out, terr := o.cfg.Segments.Transcode(ctx, path)
		if terr != nil {
			log.Error("transcoding failed", "input", path, "error", terr)
			return "", fmt.Errorf("preprocessing: %w", terr)
		}
		canonical = append(canonical, out)
	}
	defer o.cleanupCanonical(canonical, args.KeepAudio, log)

	var cached *store.CachedTranscription
	if !multi && len(args.Timestamps) == 0 {
		cached, _ = o.cfg.Cache.FetchTranscription(ctx, cacheKey)
		if cached != nil {
			log.Info("word cache hit, skipping fan-out", "hash", cacheKey)
		}
	}

	var (
		segments   []audio.Segment
		speakerIDs []string
	)
	switch {
	case cached != nil:
		// No split needed; the words are already known.
	case multi:
		// Each file is split on its own; all of a file's segments carry the
		// file's speaker label.
		for i, path := range canonical {
			segs, _, serr := o.cfg.Segments.Split(path, cfg.VAD, nil)
			if serr != nil {
				log.Error("splitting failed", "input", path, "error", serr)
				return "", fmt.Errorf("preprocessing: %w", serr)
			}
			name := path
			if i < len(args.FileNames) {
				name = args.FileNames[i]
			}
			speaker := speakerIDForFile(name)
			segments = append(segments, segs...)
			for range segs {
				speakerIDs = append(speakerIDs, speaker)
			}
		}
	default:
		var stats audio.Stats
		var serr error
		segments, stats, serr = o.cfg.Segments.Split(canonical[0], cfg.VAD, args.Timestamps)
		if serr != nil {
			log.Error("splitting failed", "error", serr)
			return "", fmt.Errorf("preprocessing: %w", serr)
		}
		for _, ts := range args.Timestamps {
			speakerIDs = append(speakerIDs, ts.ID)
		}
		log.Info("audio split",
			"segments", len(segments),
			"total", stats.Total,
			"mean", stats.Mean,
		)
	}
	steps.Done(StepPreprocessing)
	publish()
	o.observeStep(ctx, StepPreprocessing, stepStarted)

	// ─── Diarization submit (parallel with the fan-out) ──────────────────

	var diarization TaskHandle
	if cfg.Diarization.IsEnabled() {
		var derr error
		diarization, derr = o.submitTask(ctx, cfg.Diarization.TaskName(), cfg.Diarization.ServiceQueue, diarizationArgs{
			AudioPath:          canonical[0],
			NumberOfSpeaker:    cfg.Diarization.NumberOfSpeaker,
			MaxNumberOfSpeaker: cfg.Diarization.MaxNumberOfSpeaker,
		})
		if derr != nil {
			return "", fmt.Errorf("diarization submit: %w", derr)
		}
		steps.Start(StepDiarization)
		publish()
	}

	// ─── Transcription fan-out ───────────────────────────────────────────

	var result *transcribe.Result
	if cached != nil {
		result = transcribe.FromCached(cached.Words, cached.WordLanguages)
		steps.Done(StepTranscription)
		publish()
	} else {
		stepStarted = time.Now()
		steps.Start(StepTranscription)
		publish()

		subs, ferr := o.fanOut(ctx, segments, canonical, language, func(done, total int) {
			steps.Advance(StepTranscription, float64(done)/float64(total))
			publish()
		})
		if ferr != nil {
			o.revokeIfPending(diarization, log)
			log.Error("transcription fan-out failed", "error", ferr)
			return "", ferr
		}

		var merr error
		if len(speakerIDs) > 0 {
			result, merr = transcribe.MergeWithSpeakers(subs, speakerIDs)
		} else {
			result, merr = transcribe.Merge(subs)
		}
		if merr != nil {
			o.revokeIfPending(diarization, log)
			return "", fmt.Errorf("merge: %w", merr)
		}
		steps.Done(StepTranscription)
		publish()
		o.observeStep(ctx, StepTranscription, stepStarted)

		if !multi && len(args.Timestamps) == 0 {
			if cerr := o.cfg.Cache.PushTranscription(ctx, cacheKey, result.Words, result.WordLanguages); cerr != nil {
				log.Warn("word cache write failed", "error", cerr)
			}
		}
	}

	// ─── Diarization await + alignment ───────────────────────────────────

	if diarization != nil {
		stepStarted = time.Now()
		payload, derr := diarization.Get(ctx)
		if derr != nil {
			o.recordSubtaskError(ctx, cfg.Diarization.TaskName())
			log.Error("diarization failed", "error", derr)
			return "", fmt.Errorf("diarization: %w", derr)
		}
		segs, derr := decodeDiarization(payload)
		if derr != nil {
			return "", fmt.Errorf("diarization: %w", derr)
		}
		result.SetDiarization(segs)
		steps.Done(StepDiarization)
		publish()
		o.observeStep(ctx, StepDiarization, stepStarted)
	} else if len(result.Segments) == 0 {
		result.SetNoDiarization()
	}

	// ─── Punctuation (sequential) ────────────────────────────────────────

	if cfg.Punctuation.IsEnabled() {
		stepStarted = time.Now()
		steps.Start(StepPunctuation)
		publish()

		sentences := make([]string, len(result.Segments))
		for i, seg := range result.Segments {
			sentences[i] = seg.Text()
		}
		handle, perr := o.submitTask(ctx, cfg.Punctuation.TaskName(), cfg.Punctuation.ServiceQueue, punctuationArgs{Sentences: sentences})
		if perr != nil {
			return "", fmt.Errorf("punctuation submit: %w", perr)
		}
		payload, perr := handle.Get(ctx)
		if perr != nil {
			o.recordSubtaskError(ctx, cfg.Punctuation.TaskName())
			log.Error("punctuation failed", "error", perr)
			return "", fmt.Errorf("punctuation: %w", perr)
		}
		var processed []string
		if uerr := json.Unmarshal(payload, &processed); uerr != nil {
			return "", fmt.Errorf("punctuation: decode result: %w", uerr)
		}
		result.SetProcessedSegments(processed)
		steps.Done(StepPunctuation)
		publish()
		o.observeStep(ctx, StepPunctuation, stepStarted)
	}

	// ─── Postprocessing + persist ────────────────────────────────────────

	stepStarted = time.Now()
	steps.Start(StepPostprocessing)
	publish()

	configJSON, jerr := json.Marshal(cfg)
	if jerr != nil {
		return "", fmt.Errorf("postprocessing: marshal config: %w", jerr)
	}
	resultID, err = o.cfg.Cache.PushResult(ctx, store.PushResultParams{
		FileHash:    cacheKey,
		JobID:       jobID,
		ServiceName: o.cfg.ServiceName,
		ConfigJSON:  string(configJSON),
		Result:      result.Document(),
	})
	if err != nil {
		log.Error("final persist failed", "error", err)
		return "", fmt.Errorf("postprocessing: %w", err)
	}
	steps.Done(StepPostprocessing)
	publish()
	o.observeStep(ctx, StepPostprocessing, stepStarted)

	log.Info("job complete", "result", resultID, "duration", time.Since(started))
	return resultID, nil
}

// fanOut submits one transcription sub-task per segment and collects results
// in submission order. A segment's sub-file is removed as soon as its handle
// is consumed, success or failure. The first failure revokes every
// outstanding handle, removes their sub-files, and aborts.
func (o *Orchestrator) fanOut(ctx context.Context, segments []audio.Segment, canonical []string, language string, progress func(done, total int)) ([]transcribe.SubResult, error) {
	handles := make([]TaskHandle, len(segments))
	for i, seg := range segments {
		h, err := o.submitTask(ctx, transcribe.TaskNameTranscribe, o.cfg.TranscribeQueue, transcribeArgs{
			AudioPath: seg.Path,
			Language:  language,
		})
		if err != nil {
			o.abortFanOut(handles[:i], segments[:i], canonical)
			return nil, fmt.Errorf("transcription submit: %w", err)
		}
		handles[i] = h
	}

	subs := make([]transcribe.SubResult, 0, len(segments))
	for i, h := range handles {
		payload, err := h.Get(ctx)
		if err != nil {
			o.recordSubtaskError(ctx, transcribe.TaskNameTranscribe)
			o.removeSubFile(segments[i].Path, canonical)
			o.abortFanOut(handles[i+1:], segments[i+1:], canonical)
			return nil, fmt.Errorf("transcription of segment %d: %w", i, err)
		}
		var sub transcribe.SubTranscription
		if uerr := json.Unmarshal(payload, &sub); uerr != nil {
			o.recordSubtaskError(ctx, transcribe.TaskNameTranscribe)
			o.removeSubFile(segments[i].Path, canonical)
			o.abortFanOut(handles[i+1:], segments[i+1:], canonical)
			return nil, fmt.Errorf("transcription of segment %d: decode: %w", i, uerr)
		}
		subs = append(subs, transcribe.SubResult{Transcription: sub, Offset: segments[i].Offset})
		o.removeSubFile(segments[i].Path, canonical)
		progress(i+1, len(handles))
	}
	return subs, nil
}

// abortFanOut revokes outstanding handles and removes their sub-files. Runs
// on a detached context so cleanup survives job cancellation.
func (o *Orchestrator) abortFanOut(handles []TaskHandle, segments []audio.Segment, canonical []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), 10*time.Second)
	defer cancel()
	for i, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Revoke(ctx); err != nil {
			o.log.Warn("revoking sub-task failed", "id", h.ID(), "error", err)
		}
		o.removeSubFile(segments[i].Path, canonical)
	}
}

// removeSubFile deletes a segment's sub-file unless it is one of the
// canonical files, which outlive the fan-out.
func (o *Orchestrator) removeSubFile(path string, canonical []string) {
	for _, c := range canonical {
		if c == path {
			return
		}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.log.Warn("removing sub-file failed", "path", path, "error", err)
	}
}

// submitTask wraps the task client with the submission counters.
func (o *Orchestrator) submitTask(ctx context.Context, task, queue string, args any) (TaskHandle, error) {
	h, err := o.cfg.Tasks.Submit(ctx, task, queue, args)
	if o.cfg.Metrics != nil {
		if err != nil {
			o.cfg.Metrics.RecordSubtaskError(ctx, task)
		} else {
			o.cfg.Metrics.RecordSubtask(ctx, task, queue)
		}
	}
	return h, err
}

func (o *Orchestrator) recordSubtaskError(ctx context.Context, task string) {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordSubtaskError(ctx, task)
	}
}

func (o *Orchestrator) revokeIfPending(h TaskHandle, log *slog.Logger) {
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), 10*time.Second)
	defer cancel()
	if err := h.Revoke(ctx); err != nil {
		log.Warn("revoking diarization failed", "error", err)
	}
}

func (o *Orchestrator) cleanupCanonical(paths []string, jobKeep bool, log *slog.Logger) {
	if o.cfg.KeepAudio || jobKeep {
		return
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("removing canonical audio failed", "path", path, "error", err)
		}
	}
}

func (o *Orchestrator) observeStep(ctx context.Context, step string, started time.Time) {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.StepObserved(ctx, step, time.Since(started).Seconds())
	}
}

// decodeDiarization accepts both wire shapes diarization workers use: a bare
// segment list, or the list wrapped in a "segments" object.
func decodeDiarization(payload []byte) ([]transcribe.DiarizationSegment, error) {
	var segs []transcribe.DiarizationSegment
	if err := json.Unmarshal(payload, &segs); err == nil {
		return segs, nil
	}
	var wrapped struct {
		Segments []transcribe.DiarizationSegment `json:"segments"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	return wrapped.Segments, nil
}

// speakerIDForFile labels a multi-file job's segment with the file's base
// name, extension stripped.
func speakerIDForFile(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
