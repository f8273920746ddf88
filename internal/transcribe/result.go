package transcribe

import (
	"errors"
	"sort"
	"strings"
)

// ErrInconsistentLanguage is returned by Merge when some sub-transcriptions
// carry a detected language and others do not. Language detection must be
// uniform across a fan-out.
var ErrInconsistentLanguage = errors.New("language detection should be consistent across sub-transcriptions")

// SubTranscription is the payload a remote transcription worker returns for
// one audio sub-segment. Language is set only by language-detecting models.
type SubTranscription struct {
	Words    []Word `json:"words"`
	Language string `json:"language,omitempty"`
}

// SubResult pairs a worker payload with the sub-segment's offset on the
// canonical file timeline.
type SubResult struct {
	Transcription SubTranscription
	Offset        float64
}

// Result is the merged transcription of one audio file: the flat word
// sequence, the speaker-aligned speech segments, and the diarization turns
// they were derived from. Confidence is the mean word confidence.
type Result struct {
	Confidence          float64
	Words               []Word
	WordLanguages       []string // parallel to Words; nil without language detection
	Segments            []SpeechSegment
	DiarizationSegments []DiarizationSegment

	// language preserves the persisted language when a Result is rebuilt
	// with FromDocument and the per-word list is gone.
	language string
}

// Merge folds sub-segment transcriptions into a single Result: offsets are
// applied to every word, words are sorted by start time, and the mean
// confidence is computed. The word count of the merged result equals the sum
// of the sub-transcription word counts.
func Merge(subs []SubResult) (*Result, error) {
	return merge(subs, nil)
}

// MergeWithSpeakers behaves like Merge but additionally builds one speech
// segment per sub-transcription, attributed to the corresponding entry of
// speakerIDs. Used for timestamp-driven splits (the uploaded timestamps carry
// speaker ids) and for multi-file jobs (file names act as speaker ids).
func MergeWithSpeakers(subs []SubResult, speakerIDs []string) (*Result, error) {
	return merge(subs, speakerIDs)
}

func merge(subs []SubResult, speakerIDs []string) (*Result, error) {
	r := &Result{}
	hasLanguage := false
	for i, sub := range subs {
		detected := sub.Transcription.Language != ""
		if i == 0 {
			hasLanguage = detected
		} else if hasLanguage != detected {
			return nil, ErrInconsistentLanguage
		}
		for _, w := range sub.Transcription.Words {
			shifted := w.WithOffset(sub.Offset)
			r.Words = append(r.Words, shifted)
			if hasLanguage {
				r.WordLanguages = append(r.WordLanguages, sub.Transcription.Language)
			}
			r.Confidence += shifted.Conf
		}
	}
	if n := len(r.Words); n > 0 {
		r.Confidence /= float64(n)
	}
	r.sortWords()

	if speakerIDs != nil {
		for i, sub := range subs {
			if i >= len(speakerIDs) || len(sub.Transcription.Words) == 0 {
				continue
			}
			words := make([]Word, 0, len(sub.Transcription.Words))
			for _, w := range sub.Transcription.Words {
				words = append(words, w.WithOffset(sub.Offset))
			}
			r.Segments = append(r.Segments, SpeechSegment{
				SpeakerID: speakerIDs[i],
				Words:     words,
				Language:  sub.Transcription.Language,
			})
		}
		sort.SliceStable(r.Segments, func(i, j int) bool {
			return r.Segments[i].Start() < r.Segments[j].Start()
		})
	}
	return r, nil
}

// FromCached rebuilds a Result from a previously cached word list, skipping
// the fan-out entirely. langs may be nil.
func FromCached(words []Word, langs []string) *Result {
	r := &Result{Words: words, WordLanguages: langs}
	for _, w := range words {
		r.Confidence += w.Conf
	}
	if len(words) > 0 {
		r.Confidence /= float64(len(words))
	}
	return r
}

// sortWords orders Words (and the parallel WordLanguages, when present) by
// start time.
func (r *Result) sortWords() {
	if r.WordLanguages == nil {
		sort.SliceStable(r.Words, func(i, j int) bool { return r.Words[i].Start < r.Words[j].Start })
		return
	}
	type pair struct {
		w Word
		l string
	}
	pairs := make([]pair, len(r.Words))
	for i := range r.Words {
		pairs[i] = pair{r.Words[i], r.WordLanguages[i]}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].w.Start < pairs[j].w.Start })
	for i, p := range pairs {
		r.Words[i], r.WordLanguages[i] = p.w, p.l
	}
}

// SetDiarization fuses the merged word sequence with speaker-turn segments,
// replacing Segments with the speaker-aligned speech segments. An empty turn
// list falls back to a single unattributed segment.
func (r *Result) SetDiarization(segs []DiarizationSegment) {
	r.sortWords()
	lastEnd := 0.0
	if n := len(r.Words); n > 0 {
		lastEnd = r.Words[n-1].End
	}
	normalized := normalizeSegments(segs, lastEnd)
	if len(normalized) == 0 {
		r.SetNoDiarization()
		return
	}
	r.DiarizationSegments = normalized
	r.Segments = alignWords(r.Words, r.WordLanguages, normalized)
}

// SetNoDiarization wraps all words into a single unattributed speech segment.
func (r *Result) SetNoDiarization() {
	r.Segments = append(r.Segments, SpeechSegment{
		Words:    r.Words,
		Language: majorityLanguage(r.WordLanguages),
	})
}

// SetProcessedSegments applies punctuation worker output: texts is a list
// parallel to Segments. Extra entries on either side are ignored.
func (r *Result) SetProcessedSegments(texts []string) {
	for i := range r.Segments {
		if i >= len(texts) {
			break
		}
		r.Segments[i].ProcessedText = texts[i]
	}
}

// FinalTranscription renders the speaker-prefixed, newline-joined transcript.
func (r *Result) FinalTranscription() string {
	parts := make([]string, len(r.Segments))
	for i, seg := range r.Segments {
		parts[i] = seg.Display(true)
	}
	return strings.TrimSpace(strings.Join(parts, " \n"))
}

// RawTranscription renders all words joined by single spaces.
func (r *Result) RawTranscription() string {
	parts := make([]string, len(r.Words))
	for i, w := range r.Words {
		parts[i] = w.Text
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Language returns the majority detected language, or "" when the
// sub-transcriptions carried none.
func (r *Result) Language() string {
	if r.WordLanguages == nil {
		return r.language
	}
	return majorityLanguage(r.WordLanguages)
}

// ─── Persisted document form ─────────────────────────────────────────────────

// SegmentDocument is the stable JSON shape of one speech segment inside a
// persisted result. SpkID is null for unattributed segments.
type SegmentDocument struct {
	SpkID      *string `json:"spk_id" bson:"spk_id"`
	Start      float64 `json:"start" bson:"start"`
	End        float64 `json:"end" bson:"end"`
	Duration   float64 `json:"duration" bson:"duration"`
	RawSegment string  `json:"raw_segment" bson:"raw_segment"`
	Segment    string  `json:"segment" bson:"segment"`
	Language   string  `json:"language,omitempty" bson:"language,omitempty"`
	Words      []Word  `json:"words" bson:"words"`
}

// ResultDocument is the stable JSON document persisted for a completed job
// and served back on the results endpoint.
type ResultDocument struct {
	TranscriptionResult string               `json:"transcription_result" bson:"transcription_result"`
	RawTranscription    string               `json:"raw_transcription" bson:"raw_transcription"`
	Language            string               `json:"language,omitempty" bson:"language,omitempty"`
	Confidence          float64              `json:"confidence" bson:"confidence"`
	Segments            []SegmentDocument    `json:"segments" bson:"segments"`
	DiarizationSegments []DiarizationSegment `json:"diarization_segments" bson:"diarization_segments"`
}

// Document renders the result into its persisted form.
func (r *Result) Document() ResultDocument {
	doc := ResultDocument{
		TranscriptionResult: r.FinalTranscription(),
		RawTranscription:    r.RawTranscription(),
		Language:            r.Language(),
		Confidence:          r.Confidence,
		Segments:            make([]SegmentDocument, 0, len(r.Segments)),
		DiarizationSegments: r.DiarizationSegments,
	}
	if doc.DiarizationSegments == nil {
		doc.DiarizationSegments = []DiarizationSegment{}
	}
	for _, seg := range r.Segments {
		sd := SegmentDocument{
			Start:      seg.Start(),
			End:        seg.End(),
			Duration:   seg.Duration(),
			RawSegment: seg.RawText(),
			Segment:    seg.Text(),
			Language:   seg.Language,
			Words:      seg.Words,
		}
		if seg.SpeakerID != "" {
			id := seg.SpeakerID
			sd.SpkID = &id
		}
		doc.Segments = append(doc.Segments, sd)
	}
	return doc
}

// FromDocument rebuilds a Result from its persisted form. Round-trip
// invariant: FromDocument(doc).Document() == doc field for field.
func FromDocument(doc ResultDocument) *Result {
	r := &Result{
		Confidence:          doc.Confidence,
		DiarizationSegments: doc.DiarizationSegments,
		language:            doc.Language,
	}
	for _, sd := range doc.Segments {
		seg := SpeechSegment{
			Words:    sd.Words,
			Language: sd.Language,
		}
		if sd.SpkID != nil {
			seg.SpeakerID = *sd.SpkID
		}
		if sd.Segment != sd.RawSegment {
			seg.ProcessedText = sd.Segment
		}
		r.Segments = append(r.Segments, seg)
		r.Words = append(r.Words, sd.Words...)
	}
	return r
}
