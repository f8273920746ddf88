package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/voxfarm/voxfarm/internal/broker"
	"github.com/voxfarm/voxfarm/internal/format"
	"github.com/voxfarm/voxfarm/internal/orchestrator"
	"github.com/voxfarm/voxfarm/internal/transcribe"
	"github.com/voxfarm/voxfarm/pkg/audio"
)

// syncPollInterval is how often a force_sync request re-checks the job state.
const syncPollInterval = 200 * time.Millisecond

// handleTranscribe accepts a single audio upload and enqueues a job. With
// force_sync set, the response is the formatted result of the completed job
// instead of the job id.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	media, err := negotiateMedia(r.Header.Get("Accept"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, "Failed to parse multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file attached to request", http.StatusBadRequest)
		return
	}
	content, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		http.Error(w, "Failed to read uploaded file", http.StatusBadRequest)
		return
	}

	cfg, err := transcribe.ParseConfig([]byte(r.FormValue("transcriptionConfig")))
	if err != nil {
		s.log.Debug("rejecting transcription config", "error", err)
		http.Error(w, "Failed to interpret transcription config", http.StatusBadRequest)
		return
	}

	// The job hash covers everything that happens before transcription:
	// external timestamps when provided, the VAD configuration otherwise.
	var stamps []audio.Timestamp
	signature := ""
	if tsFile, _, terr := r.FormFile("timestamps"); terr == nil {
		raw, rerr := io.ReadAll(tsFile)
		tsFile.Close()
		if rerr != nil {
			http.Error(w, "Failed to read timestamps file", http.StatusBadRequest)
			return
		}
		stamps, err = parseTimestamps(raw)
		if err != nil {
			http.Error(w, "Failed to interpret timestamps", http.StatusBadRequest)
			return
		}
		signature = strings.TrimSpace(string(raw))
	} else {
		vadJSON, _ := json.Marshal(cfg.VAD)
		signature = string(vadJSON)
	}
	hash := jobHash(content, signature)

	path, err := s.saveUpload(hash, header.Filename, content)
	if err != nil {
		s.log.Error("writing upload failed", "error", err)
		http.Error(w, "Server Error: Failed to write resource", http.StatusInternalServerError)
		return
	}

	jobID, err := s.cfg.Broker.Submit(r.Context(), orchestrator.TaskName, s.jobQueue, orchestrator.JobArgs{
		AudioPaths: []string{path},
		FileHash:   hash,
		Timestamps: stamps,
		Config:     cfg,
		KeepAudio:  truthy(r.FormValue("keep_audio")),
	})
	if err != nil {
		s.log.Error("job submission failed", "error", err)
		http.Error(w, "Server Error: Failed to submit job", http.StatusInternalServerError)
		return
	}
	s.log.Info("job submitted", "job", jobID, "hash", hash, "file", header.Filename)

	if truthy(r.FormValue("force_sync")) {
		s.respondSync(w, r, jobID, media)
		return
	}
	s.respondJobID(w, jobID, media)
}

// handleTranscribeMulti accepts several audio uploads and enqueues a single
// job that attributes each file's speech to the file's name.
func (s *Server) handleTranscribeMulti(w http.ResponseWriter, r *http.Request) {
	media, err := negotiateMedia(r.Header.Get("Accept"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, "Failed to parse multipart form", http.StatusBadRequest)
		return
	}
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		http.Error(w, "No file attached to request", http.StatusBadRequest)
		return
	}
	if len(files) == 1 {
		http.Error(w, "For single file transcription, use the /transcribe route", http.StatusBadRequest)
		return
	}

	cfg, err := transcribe.ParseConfig([]byte(r.FormValue("transcriptionConfig")))
	if err != nil {
		http.Error(w, "Failed to interpret transcription config", http.StatusBadRequest)
		return
	}
	// Each file is one speaker; diarization has nothing to add.
	cfg.Diarization.Enable = false

	paths := make([]string, 0, len(files))
	names := make([]string, 0, len(files))
	for _, fh := range files {
		f, oerr := fh.Open()
		if oerr != nil {
			http.Error(w, "Failed to read uploaded file", http.StatusBadRequest)
			return
		}
		content, rerr := io.ReadAll(f)
		f.Close()
		if rerr != nil {
			http.Error(w, "Failed to read uploaded file", http.StatusBadRequest)
			return
		}
		path, werr := s.saveUpload(md5Hex(content), fh.Filename, content)
		if werr != nil {
			s.log.Error("writing upload failed", "error", werr)
			http.Error(w, "Server Error: Failed to write resource", http.StatusInternalServerError)
			return
		}
		paths = append(paths, path)
		names = append(names, fh.Filename)
	}

	jobID, err := s.cfg.Broker.Submit(r.Context(), orchestrator.TaskName, s.jobQueue, orchestrator.JobArgs{
		AudioPaths: paths,
		FileNames:  names,
		FileHash:   "multifile",
		Config:     cfg,
		KeepAudio:  truthy(r.FormValue("keep_audio")),
	})
	if err != nil {
		s.log.Error("job submission failed", "error", err)
		http.Error(w, "Server Error: Failed to submit job", http.StatusInternalServerError)
		return
	}
	s.log.Info("multi-file job submitted", "job", jobID, "files", len(paths))
	s.respondJobID(w, jobID, media)
}

// handleJobStatus translates broker task state into the user-facing job
// state. A Pending broker state means the backend has never seen the id.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.cfg.Broker.TaskState(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"state": "failed", "reason": err.Error(),
		})
		return
	}

	switch state {
	case broker.StateSent:
		writeJSON(w, http.StatusAccepted, map[string]any{"state": "pending"})

	case broker.StateStarted:
		steps, serr := s.cfg.Broker.TaskSteps(r.Context(), id)
		if serr != nil {
			steps = broker.Steps{}
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"state": "started", "steps": steps})

	case broker.StateSuccess:
		resultID, rerr := s.taskResultID(r.Context(), id)
		if rerr != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"state": "failed", "reason": rerr.Error(),
			})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"state": "done", "result_id": resultID})

	case broker.StatePending:
		writeJSON(w, http.StatusNotFound, map[string]string{
			"state": "failed", "reason": fmt.Sprintf("Unknown jobid %s", id),
		})

	case broker.StateFailure:
		reason, _ := s.cfg.Broker.TaskFailure(r.Context(), id)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"state": "failed", "reason": reason,
		})

	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"state": "failed", "reason": fmt.Sprintf("Task returned an unknown state %s", state),
		})
	}
}

// handleResults renders a persisted result in the negotiated format.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	media, err := negotiateMedia(r.Header.Get("Accept"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	doc, err := s.cfg.Results.FetchResult(r.Context(), id)
	if err != nil {
		s.log.Error("result fetch failed", "result", id, "error", err)
		http.Error(w, "Server Error", http.StatusInternalServerError)
		return
	}
	if doc == nil {
		http.Error(w, fmt.Sprintf("No result associated with id %s", id), http.StatusNotFound)
		return
	}
	s.renderResult(w, *doc, media, r.URL.Query(), http.StatusOK)
}

// handleRevoke flags a job for cancellation.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Broker.Revoke(r.Context(), r.PathValue("id")); err != nil {
		http.Error(w, "Server Error", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "done")
}

// handleJobLog serves the job's log file when one was written.
func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.cfg.LogDir == "" {
		http.Error(w, fmt.Sprintf("No log found for jobid %s", id), http.StatusBadRequest)
		return
	}
	content, err := os.ReadFile(orchestrator.JobLogPath(s.cfg.LogDir, id))
	if err != nil {
		http.Error(w, fmt.Sprintf("No log found for jobid %s", id), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(content)
}

// handleListServices returns the live service registry grouped by type.
func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.cfg.Broker.ListServices(r.Context())
	if err != nil {
		s.log.Error("listing services failed", "error", err)
		http.Error(w, "Server Error", http.StatusInternalServerError)
		return
	}
	grouped := make(map[string][]broker.ServiceInfo)
	for _, svc := range services {
		grouped[svc.ServiceType] = append(grouped[svc.ServiceType], svc)
	}
	writeJSON(w, http.StatusOK, grouped)
}

// handleHealthcheck keeps the historical probe contract.
func (s *Server) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	io.WriteString(w, "1")
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// respondJobID acknowledges an enqueued job: a JSON object for JSON clients,
// the bare id for everyone else.
func (s *Server) respondJobID(w http.ResponseWriter, jobID, media string) {
	if media == format.MediaJSON {
		writeJSON(w, http.StatusCreated, map[string]string{"jobid": jobID})
		return
	}
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, jobID)
}

// respondSync blocks until the job reaches a terminal state and responds with
// the formatted result, or the failure reason.
func (s *Server) respondSync(w http.ResponseWriter, r *http.Request, jobID, media string) {
	ticker := time.NewTicker(syncPollInterval)
	defer ticker.Stop()
	for {
		state, err := s.cfg.Broker.TaskState(r.Context(), jobID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"state": "failed", "reason": err.Error(),
			})
			return
		}
		switch state {
		case broker.StateSuccess:
			resultID, rerr := s.taskResultID(r.Context(), jobID)
			if rerr == nil {
				var doc *transcribe.ResultDocument
				doc, rerr = s.cfg.Results.FetchResult(r.Context(), resultID)
				if rerr == nil && doc != nil {
					s.renderResult(w, *doc, media, r.Form, http.StatusOK)
					return
				}
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"state": "failed", "reason": fmt.Sprintf("result of job %s unavailable", jobID),
			})
			return

		case broker.StateFailure:
			reason, _ := s.cfg.Broker.TaskFailure(r.Context(), jobID)
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"state": "failed", "reason": reason,
			})
			return
		}

		select {
		case <-r.Context().Done():
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{
				"state": "failed", "reason": "job did not complete in time",
			})
			return
		case <-ticker.C:
		}
	}
}

// taskResultID decodes the stored task result, which is the persisted result
// document's id.
func (s *Server) taskResultID(ctx context.Context, jobID string) (string, error) {
	payload, err := s.cfg.Broker.TaskResult(ctx, jobID)
	if err != nil {
		return "", err
	}
	var resultID string
	if err := json.Unmarshal(payload, &resultID); err != nil {
		return "", fmt.Errorf("decode result of job %s: %w", jobID, err)
	}
	return resultID, nil
}

// renderResult formats a document per the negotiated media type and the
// request's formatting parameters.
func (s *Server) renderResult(w http.ResponseWriter, doc transcribe.ResultDocument, media string, params url.Values, status int) {
	body, contentType, err := format.Render(doc, format.Options{
		Media:          media,
		Raw:            truthy(params.Get("return_raw")),
		ConvertNumbers: truthy(params.Get("convert_numbers")),
		Substitutions:  parseSubstitutions(params["wordsub"]),
		Language:       s.cfg.Language,
	})
	var unsupported *format.ErrUnsupportedMedia
	if errors.As(err, &unsupported) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Error("rendering result failed", "error", err)
		http.Error(w, "Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(body)
}

// parseSubstitutions decodes wordsub query values of the form
// "pattern:replacement"; malformed entries are skipped.
func parseSubstitutions(values []string) []format.Substitution {
	subs := make([]format.Substitution, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" || !strings.Contains(v, ":") {
			continue
		}
		parts := strings.SplitN(v, ":", 2)
		subs = append(subs, format.Substitution{Pattern: parts[0], Replacement: parts[1]})
	}
	return subs
}

// saveUpload stores an upload under its hash plus a random suffix, keeping
// the original extension.
func (s *Server) saveUpload(hash, filename string, content []byte) (string, error) {
	name := hash + "_" + randomSuffix() + filepath.Ext(filename)
	path := filepath.Join(s.cfg.AudioDir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("server: write upload %s: %w", path, err)
	}
	return path, nil
}
