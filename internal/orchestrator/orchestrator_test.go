package orchestrator_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/voxfarm/voxfarm/internal/broker"
	"github.com/voxfarm/voxfarm/internal/orchestrator"
	"github.com/voxfarm/voxfarm/internal/resolver"
	"github.com/voxfarm/voxfarm/internal/store"
	"github.com/voxfarm/voxfarm/internal/transcribe"
	"github.com/voxfarm/voxfarm/pkg/audio"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type fakeHandle struct {
	id      string
	payload string
	err     error

	mu      sync.Mutex
	revoked bool
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Get(context.Context) (json.RawMessage, error) {
	if h.err != nil {
		return nil, h.err
	}
	return json.RawMessage(h.payload), nil
}

func (h *fakeHandle) Revoke(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.revoked = true
	return nil
}

func (h *fakeHandle) wasRevoked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.revoked
}

// fakeTasks hands out pre-scripted handles per task name, in submission
// order.
type fakeTasks struct {
	mu      sync.Mutex
	scripts map[string][]*fakeHandle
	submits []string
}

func (f *fakeTasks) Submit(_ context.Context, task, queue string, _ any) (orchestrator.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, task+"→"+queue)
	handles := f.scripts[task]
	if len(handles) == 0 {
		panic("unexpected submission of " + task)
	}
	h := handles[0]
	f.scripts[task] = handles[1:]
	return h, nil
}

func (f *fakeTasks) submissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submits...)
}

type fakeCache struct {
	cached     *store.CachedTranscription
	pushedHash string
	pushed     *store.PushResultParams
	resultID   string
}

func (f *fakeCache) FetchTranscription(context.Context, string) (*store.CachedTranscription, error) {
	return f.cached, nil
}

func (f *fakeCache) PushTranscription(_ context.Context, hash string, _ []transcribe.Word, _ []string) error {
	f.pushedHash = hash
	return nil
}

func (f *fakeCache) PushResult(_ context.Context, p store.PushResultParams) (string, error) {
	f.pushed = &p
	return f.resultID, nil
}

// fakeSegmenter skips ffmpeg and returns scripted segments, either per input
// path or the same list for every call.
type fakeSegmenter struct {
	segments []audio.Segment
	perPath  map[string][]audio.Segment
	splitVAD *transcribe.VADConfig
	stamps   []audio.Timestamp
}

func (f *fakeSegmenter) Transcode(_ context.Context, path string) (string, error) {
	return path, nil
}

func (f *fakeSegmenter) Split(path string, vad transcribe.VADConfig, stamps []audio.Timestamp) ([]audio.Segment, audio.Stats, error) {
	f.splitVAD = &vad
	f.stamps = stamps
	if segs, ok := f.perPath[path]; ok {
		return segs, audio.Stats{}, nil
	}
	if len(f.segments) == 0 {
		return []audio.Segment{{Path: path}}, audio.Stats{}, nil
	}
	return f.segments, audio.Stats{}, nil
}

type fakeProgress struct {
	mu   sync.Mutex
	last broker.Steps
}

func (f *fakeProgress) SetSteps(_ context.Context, _ string, steps broker.Steps) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := broker.Steps{}
	for k, v := range steps {
		copied[k] = v
	}
	f.last = copied
	return nil
}

// fakeMetrics counts instrument calls.
type fakeMetrics struct {
	mu        sync.Mutex
	started   int
	finished  []string
	steps     []string
	subtasks  []string
	suberrors []string
}

func (f *fakeMetrics) JobStarted(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeMetrics) JobFinished(_ context.Context, outcome string, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, outcome)
}

func (f *fakeMetrics) StepObserved(_ context.Context, step string, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, step)
}

func (f *fakeMetrics) RecordSubtask(_ context.Context, task, queue string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subtasks = append(f.subtasks, task+"→"+queue)
}

func (f *fakeMetrics) RecordSubtaskError(_ context.Context, task string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suberrors = append(f.suberrors, task)
}

func (f *fakeMetrics) snapshot() (subtasks, suberrors []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subtasks...), append([]string(nil), f.suberrors...)
}

type staticLister []broker.ServiceInfo

func (l staticLister) ListServices(context.Context) ([]broker.ServiceInfo, error) {
	return l, nil
}

var testRegistry = staticLister{
	{Name: "diar", ServiceType: "diarization", Queue: "diar_requests"},
	{Name: "punct", ServiceType: "punctuation", Queue: "punct_requests"},
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("pcm"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func wordsPayload(words ...string) string {
	type w struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Conf  float64 `json:"conf"`
	}
	out := struct {
		Words []w `json:"words"`
	}{}
	for i, text := range words {
		out.Words = append(out.Words, w{Word: text, Start: float64(i), End: float64(i) + 0.8, Conf: 1})
	}
	payload, _ := json.Marshal(out)
	return string(payload)
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestProcess_FailFastRevokesOutstanding(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	canonical := filepath.Join(dir, "audio.wav")
	touch(t, canonical)
	segPaths := make([]string, 3)
	for i := range segPaths {
		segPaths[i] = filepath.Join(dir, "audio_"+string(rune('0'+i))+".wav")
		touch(t, segPaths[i])
	}

	third := &fakeHandle{id: "t2", payload: wordsPayload("never")}
	tasks := &fakeTasks{scripts: map[string][]*fakeHandle{
		transcribe.TaskNameTranscribe: {
			{id: "t0", payload: wordsPayload("ok")},
			{id: "t1", err: &broker.TaskError{ID: "t1", Reason: "model crashed"}},
			third,
		},
	}}
	seg := &fakeSegmenter{segments: []audio.Segment{
		{Path: segPaths[0], Offset: 0, Duration: 1},
		{Path: segPaths[1], Offset: 1, Duration: 1},
		{Path: segPaths[2], Offset: 2, Duration: 1},
	}}
	metrics := &fakeMetrics{}

	o := orchestrator.New(orchestrator.Config{
		Tasks:    tasks,
		Cache:    &fakeCache{},
		Resolver: resolver.New(testRegistry),
		Segments: seg,
		Progress: &fakeProgress{},
		Metrics:  metrics,
	})

	_, err := o.Process(context.Background(), "job-1", orchestrator.JobArgs{
		AudioPaths: []string{canonical},
		FileHash:   "h1",
	})
	if err == nil || !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("got %v, want failure citing the second segment's error", err)
	}
	if !strings.Contains(err.Error(), "segment 1") {
		t.Errorf("error does not name the failing segment: %v", err)
	}
	if !third.wasRevoked() {
		t.Error("third handle was not revoked")
	}
	if _, serr := os.Stat(segPaths[2]); !os.IsNotExist(serr) {
		t.Error("third sub-file was not removed")
	}
	if _, serr := os.Stat(segPaths[1]); !os.IsNotExist(serr) {
		t.Error("failing segment's sub-file was not removed")
	}
	if _, serr := os.Stat(segPaths[0]); !os.IsNotExist(serr) {
		t.Error("consumed first sub-file was not removed")
	}

	subtasks, suberrors := metrics.snapshot()
	wantSub := transcribe.TaskNameTranscribe + "→transcription_requests"
	if len(subtasks) != 3 || subtasks[0] != wantSub {
		t.Errorf("recorded submissions = %v, want 3× %q", subtasks, wantSub)
	}
	if len(suberrors) != 1 || suberrors[0] != transcribe.TaskNameTranscribe {
		t.Errorf("recorded sub-task errors = %v, want one for %q", suberrors, transcribe.TaskNameTranscribe)
	}
}

func TestProcess_MultiFileSplitsEachFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	paths := []string{filepath.Join(dir, "up1.wav"), filepath.Join(dir, "up2.wav")}
	subPaths := []string{
		filepath.Join(dir, "up1_0.wav"),
		filepath.Join(dir, "up1_1.wav"),
		filepath.Join(dir, "up2_0.wav"),
	}
	for _, p := range append(append([]string(nil), paths...), subPaths...) {
		touch(t, p)
	}

	tasks := &fakeTasks{scripts: map[string][]*fakeHandle{
		transcribe.TaskNameTranscribe: {
			{id: "t0", payload: wordsPayload("hello")},
			{id: "t1", payload: wordsPayload("again")},
			{id: "t2", payload: wordsPayload("hi")},
		},
	}}
	seg := &fakeSegmenter{perPath: map[string][]audio.Segment{
		paths[0]: {
			{Path: subPaths[0], Offset: 0, Duration: 1},
			{Path: subPaths[1], Offset: 1, Duration: 1},
		},
		paths[1]: {
			{Path: subPaths[2], Offset: 0, Duration: 1},
		},
	}}
	cache := &fakeCache{resultID: "res-6"}

	o := orchestrator.New(orchestrator.Config{
		Tasks:    tasks,
		Cache:    cache,
		Resolver: resolver.New(testRegistry),
		Segments: seg,
		Progress: &fakeProgress{},
	})

	_, err := o.Process(context.Background(), "job-6", orchestrator.JobArgs{
		AudioPaths: paths,
		FileNames:  []string{"alice.wav", "bob.wav"},
		FileHash:   "h6",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := len(tasks.submissions()); got != 3 {
		t.Fatalf("got %d submissions, want one per split segment: %v", got, tasks.submissions())
	}
	segs := cache.pushed.Result.Segments
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3: %+v", len(segs), segs)
	}
	for i, want := range []string{"alice", "alice", "bob"} {
		if segs[i].SpkID == nil || *segs[i].SpkID != want {
			t.Errorf("segment %d speaker = %v, want %q", i, segs[i].SpkID, want)
		}
	}
	for _, p := range subPaths {
		if _, serr := os.Stat(p); !os.IsNotExist(serr) {
			t.Errorf("sub-file %s survived the fan-out", p)
		}
	}
}

func TestProcess_CacheHitSkipsFanOut(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	canonical := filepath.Join(dir, "audio.wav")
	touch(t, canonical)

	cache := &fakeCache{
		resultID: "res-1",
		cached: &store.CachedTranscription{
			Hash: "h1",
			Words: []transcribe.Word{
				{Text: "cached", Start: 0, End: 0.5, Conf: 0.9},
				{Text: "words", Start: 0.6, End: 1.0, Conf: 0.9},
			},
		},
	}
	tasks := &fakeTasks{scripts: map[string][]*fakeHandle{}}

	o := orchestrator.New(orchestrator.Config{
		Tasks:    tasks,
		Cache:    cache,
		Resolver: resolver.New(testRegistry),
		Segments: &fakeSegmenter{},
		Progress: &fakeProgress{},
	})

	id, err := o.Process(context.Background(), "job-2", orchestrator.JobArgs{
		AudioPaths: []string{canonical},
		FileHash:   "h1",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if id != "res-1" {
		t.Errorf("result id = %q, want res-1", id)
	}
	if len(tasks.submissions()) != 0 {
		t.Errorf("cache hit still submitted tasks: %v", tasks.submissions())
	}
	if cache.pushed == nil || cache.pushed.Result.RawTranscription != "cached words" {
		t.Errorf("persisted document = %+v, want the cached words", cache.pushed)
	}
}

func TestProcess_TimestampsDisableDiarization(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	canonical := filepath.Join(dir, "audio.wav")
	touch(t, canonical)
	sub := filepath.Join(dir, "audio_0.wav")
	touch(t, sub)

	tasks := &fakeTasks{scripts: map[string][]*fakeHandle{
		transcribe.TaskNameTranscribe: {
			{id: "t0", payload: wordsPayload("hi")},
		},
	}}
	seg := &fakeSegmenter{segments: []audio.Segment{{Path: sub, Offset: 2, Duration: 3}}}
	cfg, _ := transcribe.ParseConfig([]byte(`{"diarizationConfig":{"enableDiarization":true,"numberOfSpeaker":2}}`))

	o := orchestrator.New(orchestrator.Config{
		Tasks:    tasks,
		Cache:    &fakeCache{resultID: "res-2"},
		Resolver: resolver.New(testRegistry),
		Segments: seg,
		Progress: &fakeProgress{},
	})

	_, err := o.Process(context.Background(), "job-3", orchestrator.JobArgs{
		AudioPaths: []string{canonical},
		FileHash:   "h2",
		Timestamps: []audio.Timestamp{{Start: 2, End: 5, ID: "spk1"}},
		Config:     cfg,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	for _, s := range tasks.submissions() {
		if strings.HasPrefix(s, transcribe.TaskNameDiarization) {
			t.Fatalf("diarization submitted despite external timestamps: %v", tasks.submissions())
		}
	}
	if len(seg.stamps) != 1 {
		t.Errorf("split did not receive the timestamps: %+v", seg.stamps)
	}
}

func TestProcess_PunctuationAppliedToSegments(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	canonical := filepath.Join(dir, "audio.wav")
	touch(t, canonical)

	tasks := &fakeTasks{scripts: map[string][]*fakeHandle{
		transcribe.TaskNameTranscribe: {
			{id: "t0", payload: wordsPayload("good", "morning")},
		},
		transcribe.TaskNamePunctuation: {
			{id: "p0", payload: `["Good morning."]`},
		},
	}}
	cache := &fakeCache{resultID: "res-3"}
	cfg, _ := transcribe.ParseConfig([]byte(`{"punctuationConfig":{"enablePunctuation":true}}`))
	progress := &fakeProgress{}

	o := orchestrator.New(orchestrator.Config{
		Tasks:    tasks,
		Cache:    cache,
		Resolver: resolver.New(testRegistry),
		Segments: &fakeSegmenter{segments: []audio.Segment{{Path: canonical}}},
		Progress: progress,
	})

	_, err := o.Process(context.Background(), "job-4", orchestrator.JobArgs{
		AudioPaths: []string{canonical},
		FileHash:   "h3",
		Config:     cfg,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if cache.pushed == nil || len(cache.pushed.Result.Segments) != 1 {
		t.Fatalf("persisted document = %+v", cache.pushed)
	}
	if got := cache.pushed.Result.Segments[0].Segment; got != "Good morning." {
		t.Errorf("segment text = %q, want the punctuated rendering", got)
	}
	if got := cache.pushed.Result.Segments[0].RawSegment; got != "good morning" {
		t.Errorf("raw segment = %q", got)
	}
	if cache.pushedHash != "h3" {
		t.Errorf("word cache write keyed by %q, want h3", cache.pushedHash)
	}

	want := []string{
		transcribe.TaskNameTranscribe + "→transcription_requests",
		transcribe.TaskNamePunctuation + "→punct_requests",
	}
	got := tasks.submissions()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("submissions = %v, want %v", got, want)
	}

	progress.mu.Lock()
	defer progress.mu.Unlock()
	for _, step := range []string{"preprocessing", "transcription", "punctuation", "postprocessing"} {
		if progress.last[step].State != broker.StepDone {
			t.Errorf("step %s = %+v, want done", step, progress.last[step])
		}
	}
}

func TestProcess_DiarizationAlignsSpeakers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	canonical := filepath.Join(dir, "audio.wav")
	touch(t, canonical)

	diarPayload, _ := json.Marshal([]transcribe.DiarizationSegment{
		{SpkID: "spk1", SegBegin: 0, SegEnd: 1, SegID: 0},
		{SpkID: "spk2", SegBegin: 1, SegEnd: 2, SegID: 1},
	})
	tasks := &fakeTasks{scripts: map[string][]*fakeHandle{
		transcribe.TaskNameTranscribe: {
			{id: "t0", payload: wordsPayload("one", "two")},
		},
		transcribe.TaskNameDiarization: {
			{id: "d0", payload: string(diarPayload)},
		},
	}}
	cache := &fakeCache{resultID: "res-4"}
	cfg, _ := transcribe.ParseConfig([]byte(`{"diarizationConfig":{"enableDiarization":true}}`))

	o := orchestrator.New(orchestrator.Config{
		Tasks:    tasks,
		Cache:    cache,
		Resolver: resolver.New(testRegistry),
		Segments: &fakeSegmenter{segments: []audio.Segment{{Path: canonical}}},
		Progress: &fakeProgress{},
	})

	_, err := o.Process(context.Background(), "job-5", orchestrator.JobArgs{
		AudioPaths: []string{canonical},
		FileHash:   "h4",
		Config:     cfg,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	segs := cache.pushed.Result.Segments
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(segs), segs)
	}
	if segs[0].SpkID == nil || *segs[0].SpkID != "spk1" {
		t.Errorf("first speaker = %v, want spk1", segs[0].SpkID)
	}
	if segs[1].SpkID == nil || *segs[1].SpkID != "spk2" {
		t.Errorf("second speaker = %v, want spk2", segs[1].SpkID)
	}
}
