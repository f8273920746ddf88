package audio

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

// Segment is one piece of a split audio file: a sub-file on disk, its offset
// on the original timeline, and its duration, both in seconds.
type Segment struct {
	Path     string
	Offset   float64
	Duration float64
}

// Stats summarizes the durations of a split.
type Stats struct {
	Total float64
	Mean  float64
	Min   float64
	Max   float64
}

// Timestamp is an externally supplied split boundary. ID carries the speaker
// label when the caller's timestamps are speaker-attributed.
type Timestamp struct {
	Start float64
	End   float64
	ID    string
}

// Detector classifies a single PCM frame as speech or silence. The concrete
// engine is injected so segmentation logic stays testable without native VAD
// bindings.
type Detector interface {
	IsSpeech(frame []byte, rate int) (bool, error)
}

// webrtcDetector wraps the WebRTC VAD engine at aggressiveness mode 1.
type webrtcDetector struct {
	vad *webrtcvad.VAD
}

// NewWebRTCDetector builds the default Detector. The returned value is not
// safe for concurrent use; create one per split.
func NewWebRTCDetector() (Detector, error) {
	vad, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("audio: init vad: %w", err)
	}
	if err := vad.SetMode(1); err != nil {
		return nil, fmt.Errorf("audio: set vad mode: %w", err)
	}
	return &webrtcDetector{vad: vad}, nil
}

func (d *webrtcDetector) IsSpeech(frame []byte, rate int) (bool, error) {
	return d.vad.Process(rate, frame)
}

// frameLength is the VAD analysis window in seconds.
const frameLength = 0.03

// SplitOptions tunes VAD-driven splitting. Zero disables MinSegmentDuration,
// MaxSegmentDuration and MinLength; a zero MinSilence falls back to 0.6 s.
type SplitOptions struct {
	// MinSegmentDuration merges forward any piece shorter than this.
	MinSegmentDuration float64

	// MaxSegmentDuration forces a cut at the last candidate midpoint when a
	// piece would otherwise exceed it.
	MaxSegmentDuration float64

	// MinSilence is the minimum silence run that yields a cut candidate.
	MinSilence float64

	// MinLength is the short-file bypass: files below it are not split.
	MinLength float64
}

// DefaultSplitOptions returns the historical preset: 0.6 s silence threshold,
// 10 s short-file bypass, 1200 s segment bound, no merge floor.
func DefaultSplitOptions() SplitOptions {
	return SplitOptions{
		MaxSegmentDuration: 1200,
		MinSilence:         0.6,
		MinLength:          10,
	}
}

func (o SplitOptions) withDefaults() SplitOptions {
	if o.MinSilence == 0 {
		o.MinSilence = 0.6
	}
	return o
}

// SplitFile cuts a canonical wave file into sub-files at silence midpoints
// found by det. Sub-files are written next to the input as <base>_<i>.wav.
// Files shorter than MinLength, and files where no cut survives filtering,
// come back as a single segment pointing at the input itself.
func SplitFile(path string, det Detector, opts SplitOptions) ([]Segment, Stats, error) {
	opts = opts.withDefaults()

	pcm, err := ReadPCM(path)
	if err != nil {
		return nil, Stats{}, err
	}
	if pcm.Duration() < opts.MinLength {
		return wholeFile(path, pcm), statsFor([]float64{pcm.Duration()}), nil
	}

	candidates, err := cutCandidates(pcm, det, opts.MinSilence)
	if err != nil {
		return nil, Stats{}, err
	}
	cuts := filterCuts(candidates, len(pcm.Samples), pcm.Rate, opts.MinSegmentDuration, opts.MaxSegmentDuration)
	if len(cuts) == 0 {
		return wholeFile(path, pcm), statsFor([]float64{pcm.Duration()}), nil
	}

	starts := append([]int{0}, cuts...)
	stops := append(cuts, len(pcm.Samples))
	segments := make([]Segment, 0, len(starts))
	durations := make([]float64, 0, len(starts))
	for i := range starts {
		subPath := subfilePath(path, i)
		sub := &PCM{Samples: pcm.Samples[starts[i]:stops[i]], Rate: pcm.Rate}
		if err := WritePCM(subPath, sub); err != nil {
			return nil, Stats{}, err
		}
		seg := Segment{
			Path:     subPath,
			Offset:   float64(starts[i]) / float64(pcm.Rate),
			Duration: sub.Duration(),
		}
		segments = append(segments, seg)
		durations = append(durations, seg.Duration)
	}
	return segments, statsFor(durations), nil
}

// SplitUsingTimestamps cuts a canonical wave file along caller-supplied
// boundaries, sorted by start time. Boundaries outside the signal are clamped.
func SplitUsingTimestamps(path string, stamps []Timestamp) ([]Segment, Stats, error) {
	pcm, err := ReadPCM(path)
	if err != nil {
		return nil, Stats{}, err
	}

	ordered := make([]Timestamp, len(stamps))
	copy(ordered, stamps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	segments := make([]Segment, 0, len(ordered))
	durations := make([]float64, 0, len(ordered))
	for i, ts := range ordered {
		start := clampSample(int(ts.Start*float64(pcm.Rate)), len(pcm.Samples))
		stop := clampSample(int(ts.End*float64(pcm.Rate)), len(pcm.Samples))
		if stop < start {
			stop = start
		}
		subPath := subfilePath(path, i)
		sub := &PCM{Samples: pcm.Samples[start:stop], Rate: pcm.Rate}
		if err := WritePCM(subPath, sub); err != nil {
			return nil, Stats{}, err
		}
		seg := Segment{Path: subPath, Offset: ts.Start, Duration: sub.Duration()}
		segments = append(segments, seg)
		durations = append(durations, seg.Duration)
	}
	return segments, statsFor(durations), nil
}

// cutCandidates runs the detector over 30 ms frames and returns a sample
// index at the midpoint of every silence run of at least minSilence seconds.
func cutCandidates(pcm *PCM, det Detector, minSilence float64) ([]int, error) {
	chunk := int(float64(pcm.Rate) * frameLength)
	minSilenceFrames := int(minSilence / frameLength)

	var speech []bool
	frame := make([]byte, chunk*2)
	for start := 0; start < len(pcm.Samples)-chunk; start += chunk {
		for i, s := range pcm.Samples[start : start+chunk] {
			frame[i*2] = byte(s)
			frame[i*2+1] = byte(s >> 8)
		}
		v, err := det.IsSpeech(frame, pcm.Rate)
		if err != nil {
			return nil, fmt.Errorf("audio: vad frame at sample %d: %w", start, err)
		}
		speech = append(speech, v)
	}
	if len(speech) == 0 {
		return nil, nil
	}

	var candidates []int
	inSpeech := speech[0]
	silenceStart := 0
	for i, v := range speech {
		switch {
		case v && !inSpeech:
			if i-silenceStart > minSilenceFrames {
				candidates = append(candidates, (silenceStart+i)/2*chunk)
			}
			inSpeech = true
		case !v && inSpeech:
			inSpeech = false
			silenceStart = i
		}
	}
	return candidates, nil
}

// filterCuts applies the two duration post-filters to the candidate list:
// candidates closing a piece shorter than minDur merge forward, and a piece
// about to exceed maxDur is force-cut at the last skipped candidate.
func filterCuts(candidates []int, totalSamples, rate int, minDur, maxDur float64) []int {
	minSamples := int(minDur * float64(rate))
	maxSamples := int(maxDur * float64(rate))

	var cuts []int
	start := 0
	lastCandidate := -1
	for _, c := range candidates {
		if maxSamples > 0 && lastCandidate > start && c-start > maxSamples {
			cuts = append(cuts, lastCandidate)
			start = lastCandidate
		}
		if minSamples > 0 && c-start <= minSamples {
			lastCandidate = c
			continue
		}
		cuts = append(cuts, c)
		start = c
		lastCandidate = c
	}
	// The tail piece is bounded too.
	if maxSamples > 0 && lastCandidate > start && totalSamples-start > maxSamples {
		cuts = append(cuts, lastCandidate)
	}
	return cuts
}

func wholeFile(path string, pcm *PCM) []Segment {
	return []Segment{{Path: path, Offset: 0, Duration: pcm.Duration()}}
}

func subfilePath(path string, i int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s_%d.wav", strings.TrimSuffix(path, ext), i)
}

func clampSample(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func statsFor(durations []float64) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	s := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, d := range durations {
		s.Total += d
		s.Min = math.Min(s.Min, d)
		s.Max = math.Max(s.Max, d)
	}
	s.Mean = s.Total / float64(len(durations))
	return s
}
