package format

import (
	"fmt"
	"strings"

	"github.com/voxfarm/voxfarm/internal/transcribe"
)

// Subtitle layout bounds.
const (
	maxCharsPerLine = 40
	maxLinesPerCue  = 2

	// itemGap is the inter-word silence, in seconds, that forces a new
	// subtitle item even without sentence-final punctuation.
	itemGap = 1.5
)

// endMarkers close a subtitle item when a rendered word ends with one.
const endMarkers = ".;!?:"

// subtitleWord pairs a timed word with its rendering in the punctuated text.
type subtitleWord struct {
	word  transcribe.Word
	final string
}

// subtitleItem is one cue-able run of words.
type subtitleItem struct {
	words []subtitleWord
}

func (it subtitleItem) start() float64 { return it.words[0].word.Start }
func (it subtitleItem) end() float64   { return it.words[len(it.words)-1].word.End }

// buildItems cuts the document's speech segments into subtitle items: a new
// item starts after a word ending in an end marker or before a silence
// longer than itemGap. When the punctuated text does not align one-to-one
// with the timed words, the raw word texts are used instead.
func buildItems(doc transcribe.ResultDocument, raw bool) []subtitleItem {
	var items []subtitleItem
	for _, seg := range doc.Segments {
		if len(seg.Words) == 0 {
			continue
		}
		finals := strings.Fields(seg.Segment)
		if raw || len(finals) != len(seg.Words) {
			finals = make([]string, len(seg.Words))
			for i, w := range seg.Words {
				finals[i] = w.Text
			}
		}

		var current []subtitleWord
		for i, w := range seg.Words {
			current = append(current, subtitleWord{word: w, final: finals[i]})
			if i == len(seg.Words)-1 {
				break
			}
			endsItem := len(finals[i]) > 0 && strings.ContainsRune(endMarkers, rune(finals[i][len(finals[i])-1]))
			longGap := seg.Words[i+1].Start-w.End > itemGap
			if endsItem || longGap {
				items = append(items, subtitleItem{words: current})
				current = nil
			}
		}
		items = append(items, subtitleItem{words: current})
	}
	return items
}

// lines folds an item's words into cue lines of at most maxCharsPerLine
// characters, grouped into cues of at most maxLinesPerCue lines.
func (it subtitleItem) cues() [][]subtitleWord {
	var cues [][]subtitleWord
	var cue []subtitleWord
	lineChars, lineCount := 0, 0
	for _, sw := range it.words {
		if lineChars+len(sw.final) > maxCharsPerLine && lineChars > 0 {
			lineChars = 0
			lineCount++
			if lineCount >= maxLinesPerCue {
				cues = append(cues, cue)
				cue = nil
				lineCount = 0
			}
		}
		cue = append(cue, sw)
		lineChars += len(sw.final) + 1
	}
	if len(cue) > 0 {
		cues = append(cues, cue)
	}
	return cues
}

func cueText(words []subtitleWord, language string, subs []Substitution, convertNumbers bool) string {
	parts := make([]string, len(words))
	for i, sw := range words {
		parts[i] = sw.final
	}
	text := CleanText(strings.Join(parts, " "), language, subs)
	if convertNumbers {
		text = ConvertNumbers(text, language)
	}
	return text
}

// ToVTT renders the document as WebVTT captions.
func ToVTT(doc transcribe.ResultDocument, language string, raw bool, subs []Substitution, convertNumbers bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "WEBVTT Kind: captions; Language: %s\n\n", language)
	for _, item := range buildItems(doc, raw) {
		for _, cue := range item.cues() {
			fmt.Fprintf(&b, "%s --> %s\n%s\n\n",
				vttTimestamp(cue[0].word.Start),
				vttTimestamp(cue[len(cue)-1].word.End),
				cueText(cue, language, subs, convertNumbers),
			)
		}
	}
	return b.String()
}

// ToSRT renders the document as SRT subtitles.
func ToSRT(doc transcribe.ResultDocument, language string, raw bool, subs []Substitution, convertNumbers bool) string {
	var b strings.Builder
	index := 0
	for _, item := range buildItems(doc, raw) {
		for _, cue := range item.cues() {
			index++
			fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
				index,
				srtTimestamp(cue[0].word.Start),
				srtTimestamp(cue[len(cue)-1].word.End),
				cueText(cue, language, subs, convertNumbers),
			)
		}
	}
	return b.String()
}

// srtTimestamp renders seconds as hh:mm:ss,mmm.
func srtTimestamp(t float64) string {
	ms := int(t*1000) % 1000
	s := int(t)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", s/3600, (s%3600)/60, s%60, ms)
}

// vttTimestamp renders seconds as mm:ss.mmm, minutes unbounded.
func vttTimestamp(t float64) string {
	ms := int(t*1000) % 1000
	s := int(t)
	return fmt.Sprintf("%02d:%02d.%03d", s/60, s%60, ms)
}
