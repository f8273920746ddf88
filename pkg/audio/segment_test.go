package audio_test

import (
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voxfarm/voxfarm/pkg/audio"
)

// amplitudeDetector stands in for the VAD engine: any non-silent sample in
// the frame counts as speech.
type amplitudeDetector struct{}

func (amplitudeDetector) IsSpeech(frame []byte, _ int) (bool, error) {
	for _, b := range frame {
		if b != 0 {
			return true, nil
		}
	}
	return false, nil
}

// writeTone writes a mono wave file where each span [start,end) in seconds is
// filled with a constant non-zero sample and everything else is silence.
func writeTone(t *testing.T, path string, seconds float64, speech [][2]float64) {
	t.Helper()
	pcm := &audio.PCM{
		Samples: make([]int, int(seconds*audio.CanonicalRate)),
		Rate:    audio.CanonicalRate,
	}
	for _, span := range speech {
		start := int(span[0] * audio.CanonicalRate)
		stop := int(span[1] * audio.CanonicalRate)
		for i := start; i < stop && i < len(pcm.Samples); i++ {
			pcm.Samples[i] = 1000
		}
	}
	if err := audio.WritePCM(path, pcm); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func TestSplitFile_ShortFileBypass(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "short.wav")
	writeTone(t, path, 3, [][2]float64{{0, 3}})

	segs, stats, err := audio.SplitFile(path, amplitudeDetector{}, audio.DefaultSplitOptions())
	if err != nil {
		t.Fatalf("SplitFile: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].Path != path || segs[0].Offset != 0 {
		t.Errorf("bypass segment = %+v, want the input file at offset 0", segs[0])
	}
	if math.Abs(segs[0].Duration-3) > 1e-6 {
		t.Errorf("duration = %g, want 3", segs[0].Duration)
	}
	for _, v := range []float64{stats.Total, stats.Mean, stats.Min, stats.Max} {
		if math.Abs(v-3) > 1e-6 {
			t.Errorf("stats = %+v, want all 3.0", stats)
			break
		}
	}
}

func TestSplitFile_CutsAtSilenceMidpoint(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "two.wav")
	// Speech 0-4 s, silence 4-5 s, speech 5-9 s.
	writeTone(t, path, 9, [][2]float64{{0, 4}, {5, 9}})

	segs, stats, err := audio.SplitFile(path, amplitudeDetector{}, audio.SplitOptions{
		MinSilence: 0.6,
	})
	if err != nil {
		t.Fatalf("SplitFile: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].Offset != 0 {
		t.Errorf("first offset = %g, want 0", segs[0].Offset)
	}
	if math.Abs(segs[1].Offset-4.5) > 0.1 {
		t.Errorf("second offset = %g, want the silence midpoint 4.5", segs[1].Offset)
	}
	if !strings.HasSuffix(segs[0].Path, "two_0.wav") || !strings.HasSuffix(segs[1].Path, "two_1.wav") {
		t.Errorf("unexpected sub-file names: %s, %s", segs[0].Path, segs[1].Path)
	}
	if math.Abs(stats.Total-9) > 0.1 {
		t.Errorf("total = %g, want the full 9 s", stats.Total)
	}

	// Sub-files must decode back to the written slices.
	sub, err := audio.ReadPCM(segs[1].Path)
	if err != nil {
		t.Fatalf("read sub-file: %v", err)
	}
	if math.Abs(sub.Duration()-segs[1].Duration) > 1e-6 {
		t.Errorf("sub-file duration %g != reported %g", sub.Duration(), segs[1].Duration)
	}
}

func TestSplitFile_MergeForwardBelowMinSegmentDuration(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "merge.wav")
	// Candidate midpoints near 4.5 s and 6.5 s both close pieces below the
	// 7 s merge floor, so no cut survives.
	writeTone(t, path, 12, [][2]float64{{0, 4}, {5, 6}, {7, 12}})

	segs, _, err := audio.SplitFile(path, amplitudeDetector{}, audio.SplitOptions{
		MinSilence:         0.6,
		MinSegmentDuration: 7,
	})
	if err != nil {
		t.Fatalf("SplitFile: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1 after merge-forward: %+v", len(segs), segs)
	}
	if segs[0].Path != path {
		t.Errorf("no surviving cut should leave the input untouched, got %s", segs[0].Path)
	}
}

func TestSplitFile_ForcedCutBoundsSegmentLength(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bound.wav")
	// Candidates near 4.5 s and 9.5 s. A 20 s merge floor would swallow
	// both, but the 8 s bound forces cuts at the skipped midpoints.
	writeTone(t, path, 14, [][2]float64{{0, 4}, {5, 9}, {10, 14}})

	segs, _, err := audio.SplitFile(path, amplitudeDetector{}, audio.SplitOptions{
		MinSilence:         0.6,
		MinSegmentDuration: 20,
		MaxSegmentDuration: 8,
	})
	if err != nil {
		t.Fatalf("SplitFile: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3: %+v", len(segs), segs)
	}
	if math.Abs(segs[1].Offset-4.5) > 0.1 || math.Abs(segs[2].Offset-9.5) > 0.1 {
		t.Errorf("forced cuts at %g and %g, want the skipped midpoints 4.5 and 9.5", segs[1].Offset, segs[2].Offset)
	}
}

func TestSplitUsingTimestamps(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stamps.wav")
	writeTone(t, path, 10, [][2]float64{{0, 10}})

	segs, stats, err := audio.SplitUsingTimestamps(path, []audio.Timestamp{
		{Start: 6, End: 9, ID: "spk2"},
		{Start: 1, End: 4, ID: "spk1"},
	})
	if err != nil {
		t.Fatalf("SplitUsingTimestamps: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].Offset != 1 || segs[1].Offset != 6 {
		t.Errorf("segments not sorted by start: %+v", segs)
	}
	if math.Abs(segs[0].Duration-3) > 1e-6 || math.Abs(segs[1].Duration-3) > 1e-6 {
		t.Errorf("durations = %g, %g, want 3 each", segs[0].Duration, segs[1].Duration)
	}
	if math.Abs(stats.Total-6) > 1e-6 {
		t.Errorf("total = %g, want 6", stats.Total)
	}
}

func TestReadPCM_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := audio.ReadPCM(filepath.Join(t.TempDir(), "nope.wav")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
