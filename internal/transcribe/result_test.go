package transcribe_test

import (
	"math"
	"reflect"
	"sort"
	"testing"

	"github.com/voxfarm/voxfarm/internal/transcribe"
)

func TestMerge_OffsetsSortingAndConfidence(t *testing.T) {
	t.Parallel()
	subs := []transcribe.SubResult{
		{
			Offset: 10,
			Transcription: transcribe.SubTranscription{Words: []transcribe.Word{
				{Text: "later", Start: 0.5, End: 1.0, Conf: 0.8},
			}},
		},
		{
			Offset: 0,
			Transcription: transcribe.SubTranscription{Words: []transcribe.Word{
				{Text: "first", Start: 0.0, End: 0.4, Conf: 1.0},
				{Text: "second", Start: 0.5, End: 0.9, Conf: 0.6},
			}},
		},
	}

	r, err := transcribe.Merge(subs)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got, want := len(r.Words), 3; got != want {
		t.Fatalf("got %d words, want %d", got, want)
	}
	if !sort.SliceIsSorted(r.Words, func(i, j int) bool { return r.Words[i].Start < r.Words[j].Start }) {
		t.Errorf("words not sorted by start time: %+v", r.Words)
	}
	if got := r.Words[2]; got.Text != "later" || got.Start != 10.5 || got.End != 11.0 {
		t.Errorf("offset not applied: %+v", got)
	}
	if want := (1.0 + 0.6 + 0.8) / 3; math.Abs(r.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %g, want %g", r.Confidence, want)
	}
}

func TestMerge_InconsistentLanguageDetection(t *testing.T) {
	t.Parallel()
	subs := []transcribe.SubResult{
		{Transcription: transcribe.SubTranscription{
			Words:    []transcribe.Word{{Text: "bonjour", Start: 0, End: 1, Conf: 1}},
			Language: "fr",
		}},
		{Offset: 5, Transcription: transcribe.SubTranscription{
			Words: []transcribe.Word{{Text: "hello", Start: 0, End: 1, Conf: 1}},
		}},
	}

	if _, err := transcribe.Merge(subs); err != transcribe.ErrInconsistentLanguage {
		t.Fatalf("got %v, want ErrInconsistentLanguage", err)
	}
}

func TestMergeWithSpeakers_SegmentsOrderedByStart(t *testing.T) {
	t.Parallel()
	subs := []transcribe.SubResult{
		{Offset: 30, Transcription: transcribe.SubTranscription{Words: []transcribe.Word{
			{Text: "late", Start: 0, End: 1, Conf: 1},
		}}},
		{Offset: 0, Transcription: transcribe.SubTranscription{Words: []transcribe.Word{
			{Text: "early", Start: 0, End: 1, Conf: 1},
		}}},
		{Offset: 60, Transcription: transcribe.SubTranscription{Words: nil}},
	}

	r, err := transcribe.MergeWithSpeakers(subs, []string{"spk2", "spk1", "spk3"})
	if err != nil {
		t.Fatalf("MergeWithSpeakers: %v", err)
	}
	// The empty third sub-result produces no segment.
	if got, want := len(r.Segments), 2; got != want {
		t.Fatalf("got %d segments, want %d", got, want)
	}
	if r.Segments[0].SpeakerID != "spk1" || r.Segments[1].SpeakerID != "spk2" {
		t.Errorf("segments out of time order: %s, %s", r.Segments[0].SpeakerID, r.Segments[1].SpeakerID)
	}
	if got := r.Segments[1].Start(); got != 30 {
		t.Errorf("second segment starts at %g, want offset-shifted 30", got)
	}
}

func TestFromCached_RecomputesConfidence(t *testing.T) {
	t.Parallel()
	r := transcribe.FromCached([]transcribe.Word{
		{Text: "a", Start: 0, End: 1, Conf: 0.5},
		{Text: "b", Start: 1, End: 2, Conf: 1.0},
	}, []string{"en", "en"})

	if want := 0.75; math.Abs(r.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %g, want %g", r.Confidence, want)
	}
	if got := r.Language(); got != "en" {
		t.Errorf("language = %q, want en", got)
	}
}

func TestResultDocument_RoundTrip(t *testing.T) {
	t.Parallel()
	r := &transcribe.Result{
		Confidence: 0.9,
		Words: []transcribe.Word{
			{Text: "good", Start: 0, End: 0.5, Conf: 0.9},
			{Text: "morning", Start: 0.6, End: 1.2, Conf: 0.95},
			{Text: "thanks", Start: 2.5, End: 3.0, Conf: 0.85},
		},
		WordLanguages: []string{"en", "en", "en"},
	}
	r.SetDiarization([]transcribe.DiarizationSegment{
		{SpkID: "spk1", SegBegin: 0, SegEnd: 2.0, SegID: 0},
		{SpkID: "spk2", SegBegin: 2.0, SegEnd: 3.0, SegID: 1},
	})
	r.SetProcessedSegments([]string{"Good morning.", "Thanks."})

	doc := r.Document()
	if doc.TranscriptionResult != "spk1: Good morning. \nspk2: Thanks." {
		t.Errorf("transcription_result = %q", doc.TranscriptionResult)
	}
	if doc.RawTranscription != "good morning thanks" {
		t.Errorf("raw_transcription = %q", doc.RawTranscription)
	}
	if doc.Segments[0].SpkID == nil || *doc.Segments[0].SpkID != "spk1" {
		t.Errorf("first segment spk_id = %v, want spk1", doc.Segments[0].SpkID)
	}

	again := transcribe.FromDocument(doc).Document()
	if !reflect.DeepEqual(doc, again) {
		t.Errorf("round trip drifted:\n first = %+v\nsecond = %+v", doc, again)
	}
}

func TestResultDocument_UnattributedSegmentHasNullSpeaker(t *testing.T) {
	t.Parallel()
	r := transcribe.FromCached([]transcribe.Word{{Text: "solo", Start: 0, End: 1, Conf: 1}}, nil)
	r.SetNoDiarization()

	doc := r.Document()
	if len(doc.Segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(doc.Segments))
	}
	if doc.Segments[0].SpkID != nil {
		t.Errorf("spk_id = %v, want null", doc.Segments[0].SpkID)
	}
	if doc.DiarizationSegments == nil {
		t.Error("diarization_segments must serialize as an empty list, not null")
	}
	if doc.TranscriptionResult != "solo" {
		t.Errorf("transcription_result = %q, want bare text without speaker prefix", doc.TranscriptionResult)
	}
}
