// Package transcribe holds the transcription domain model: time-stamped
// words, diarization segments, speech segments, and the merged result that
// the orchestrator assembles from remote worker outputs.
//
// Everything in this package is pure data manipulation — no I/O. The
// speaker-alignment procedure lives in align.go and is deterministic, which
// keeps the whole merge path unit-testable without a broker or a store.
package transcribe

import "strings"

// Word is a single transcribed word with its timing and confidence.
// Words are immutable; WithOffset returns a shifted copy.
type Word struct {
	Text  string  `json:"word" bson:"word"`
	Start float64 `json:"start" bson:"start"`
	End   float64 `json:"end" bson:"end"`
	Conf  float64 `json:"conf" bson:"conf"`
}

// WithOffset returns a copy of w with both timestamps shifted by offset
// seconds. Used when folding sub-segment transcriptions back onto the
// canonical file's timeline.
func (w Word) WithOffset(offset float64) Word {
	w.Start += offset
	w.End += offset
	return w
}

// DiarizationSegment is a speaker-turn interval reported by a diarization
// worker. SegBegin/SegEnd are seconds on the canonical file's timeline.
type DiarizationSegment struct {
	SegBegin float64 `json:"seg_begin" bson:"seg_begin"`
	SegEnd   float64 `json:"seg_end" bson:"seg_end"`
	SpkID    string  `json:"spk_id" bson:"spk_id"`
	SegID    int     `json:"seg_id" bson:"seg_id"`
}

// SpeechSegment is a run of words attributed to a single speaker. SpeakerID
// is empty when no diarization was performed. ProcessedText holds the
// punctuated rendering when a punctuation worker ran; when empty the raw
// joined words are used.
type SpeechSegment struct {
	SpeakerID     string
	Words         []Word
	Language      string
	ProcessedText string
}

// RawText returns the segment's words joined by single spaces.
func (s SpeechSegment) RawText() string {
	parts := make([]string, len(s.Words))
	for i, w := range s.Words {
		parts[i] = w.Text
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Text returns the processed rendering when present, the raw text otherwise.
func (s SpeechSegment) Text() string {
	if s.ProcessedText != "" {
		return s.ProcessedText
	}
	return s.RawText()
}

// Display returns the segment text, prefixed with "<speaker>: " when the
// segment is attributed and includeSpeaker is set.
func (s SpeechSegment) Display(includeSpeaker bool) string {
	if includeSpeaker && s.SpeakerID != "" {
		return s.SpeakerID + ": " + s.Text()
	}
	return s.Text()
}

// Start is the earliest word start, or 0 for an empty segment.
func (s SpeechSegment) Start() float64 {
	if len(s.Words) == 0 {
		return 0
	}
	min := s.Words[0].Start
	for _, w := range s.Words[1:] {
		if w.Start < min {
			min = w.Start
		}
	}
	return min
}

// End is the latest word end, or 0 for an empty segment.
func (s SpeechSegment) End() float64 {
	if len(s.Words) == 0 {
		return 0
	}
	max := s.Words[0].End
	for _, w := range s.Words[1:] {
		if w.End > max {
			max = w.End
		}
	}
	return max
}

// Duration is End minus Start.
func (s SpeechSegment) Duration() float64 { return s.End() - s.Start() }
