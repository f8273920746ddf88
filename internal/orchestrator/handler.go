package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/voxfarm/voxfarm/internal/broker"
	"github.com/voxfarm/voxfarm/internal/transcribe"
	"github.com/voxfarm/voxfarm/pkg/audio"
)

// HandleTask adapts Process to the worker loop. The returned result id is
// stored as the task result.
func (o *Orchestrator) HandleTask(ctx context.Context, env broker.Envelope) (any, error) {
	var args JobArgs
	if err := json.Unmarshal(env.Args, &args); err != nil {
		return nil, fmt.Errorf("orchestrator: decode job args: %w", err)
	}
	return o.Process(ctx, env.ID, args)
}

// jobLogger returns the logger used for one job and a close function. When a
// log directory is configured, everything logged for the job also lands in
// <dir>/<jobID>.txt so it can be served back on the job-log endpoint.
func (o *Orchestrator) jobLogger(jobID string) (*slog.Logger, func()) {
	base := o.log.With("job", jobID)
	if o.cfg.LogDir == "" {
		return base, func() {}
	}

	path := JobLogPath(o.cfg.LogDir, jobID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		base.Warn("opening job log file failed", "path", path, "error", err)
		return base, func() {}
	}
	log := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, f), nil)).With("job", jobID)
	return log, func() { _ = f.Close() }
}

// JobLogPath is where a job's log file lives under dir.
func JobLogPath(dir, jobID string) string {
	return filepath.Join(dir, jobID+".txt")
}

// BrokerTasks adapts the broker client to the TaskClient interface.
type BrokerTasks struct {
	Client *broker.Client
}

var _ TaskClient = BrokerTasks{}

func (b BrokerTasks) Submit(ctx context.Context, task, queue string, args any) (TaskHandle, error) {
	return b.Client.Submit(ctx, task, queue, args)
}

// FileSegmenter is the production Segmenter: ffmpeg transcoding plus
// VAD- or timestamp-driven splitting from pkg/audio.
type FileSegmenter struct{}

var _ Segmenter = FileSegmenter{}

func (FileSegmenter) Transcode(ctx context.Context, path string) (string, error) {
	return audio.Transcode(ctx, path)
}

// Split maps a job's VAD configuration onto split options: a configured
// minDuration doubles as both the merge floor and the short-file bypass,
// otherwise the historical presets apply. VAD disabled means one segment
// spanning the whole file.
func (FileSegmenter) Split(path string, vad transcribe.VADConfig, stamps []audio.Timestamp) ([]audio.Segment, audio.Stats, error) {
	if len(stamps) > 0 {
		return audio.SplitUsingTimestamps(path, stamps)
	}
	if !vad.Enable {
		d, err := audio.Duration(path)
		if err != nil {
			return nil, audio.Stats{}, err
		}
		seg := audio.Segment{Path: path, Offset: 0, Duration: d}
		return []audio.Segment{seg}, audio.Stats{Total: d, Mean: d, Min: d, Max: d}, nil
	}

	opts := audio.DefaultSplitOptions()
	if vad.MinDuration > 0 {
		opts.MinSegmentDuration = vad.MinDuration
		opts.MinLength = vad.MinDuration
	}
	if vad.MaxDuration > 0 {
		opts.MaxSegmentDuration = vad.MaxDuration
	}
	det, err := audio.NewWebRTCDetector()
	if err != nil {
		return nil, audio.Stats{}, err
	}
	return audio.SplitFile(path, det, opts)
}
