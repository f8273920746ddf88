package transcribe

// boundaryPrecision is the tolerance, in seconds, used when deciding whether
// a word straddling a speaker-turn boundary belongs to the outgoing or the
// incoming segment.
const boundaryPrecision = 0.25

// sentenceEnders are the punctuation marks that count as an utterance
// boundary for the straddle tie-break.
const sentenceEnders = ".!?"

// normalizeSegments prepares raw diarization segments for word assignment.
// The input is sorted by SegBegin; segments fully enclosed in their
// predecessor are dropped; the first segment is pinned to t=0; the last
// segment is extended to cover lastWordEnd; and any gap or overlap between
// adjacent segments is resolved by moving both boundaries to the midpoint.
//
// After normalization the segment list is contiguous: for every i,
// segs[i+1].SegBegin == segs[i].SegEnd and SegEnd is strictly increasing.
func normalizeSegments(raw []DiarizationSegment, lastWordEnd float64) []DiarizationSegment {
	if len(raw) == 0 {
		return nil
	}

	segs := make([]DiarizationSegment, len(raw))
	copy(segs, raw)
	sortSegments(segs)

	// Drop segments enclosed in their predecessor.
	kept := segs[:1]
	for _, seg := range segs[1:] {
		if seg.SegEnd > kept[len(kept)-1].SegEnd {
			kept = append(kept, seg)
		}
	}
	segs = kept

	segs[0].SegBegin = 0.0
	if last := len(segs) - 1; segs[last].SegEnd < lastWordEnd {
		segs[last].SegEnd = lastWordEnd
	}

	// Move gapped or overlapping boundaries to the midpoint.
	for i := 0; i < len(segs)-1; i++ {
		if segs[i].SegEnd != segs[i+1].SegBegin {
			mid := segs[i].SegEnd + (segs[i+1].SegBegin-segs[i].SegEnd)/2
			segs[i].SegEnd = mid
			segs[i+1].SegBegin = mid
		}
	}
	return segs
}

// sortSegments sorts by SegBegin, stable for equal starts.
func sortSegments(segs []DiarizationSegment) {
	for i := 1; i < len(segs); i++ {
		for j := i; j > 0 && segs[j].SegBegin < segs[j-1].SegBegin; j-- {
			segs[j], segs[j-1] = segs[j-1], segs[j]
		}
	}
}

// alignWords fuses a time-ordered word sequence with normalized diarization
// segments into speech segments. langs is the per-word language list and may
// be nil. Consecutive runs attributed to the same speaker across a spurious
// boundary are merged into one segment.
func alignWords(words []Word, langs []string, segs []DiarizationSegment) []SpeechSegment {
	if len(segs) == 0 {
		return nil
	}

	var (
		out          []SpeechSegment
		segIndex     int
		previousID   string
		hasPrevious  bool
		currentID    = segs[0].SpkID
		currentWords []Word
		currentLangs []string
	)

	flush := func(nextID string) {
		if len(currentWords) > 0 {
			if !hasPrevious || currentID != previousID {
				out = append(out, SpeechSegment{
					SpeakerID: currentID,
					Words:     currentWords,
					Language:  majorityLanguage(currentLangs),
				})
			} else {
				last := len(out) - 1
				out[last].Words = append(out[last].Words, currentWords...)
			}
			previousID = currentID
			hasPrevious = true
		}
		currentID = nextID
		currentWords = nil
		currentLangs = nil
	}

	for i, word := range words {
		for !wordBelongsToSegment(words, i, segs, segIndex) {
			if segIndex+1 >= len(segs) {
				break
			}
			segIndex++
			flush(segs[segIndex].SpkID)
		}
		currentWords = append(currentWords, word)
		if langs != nil {
			currentLangs = append(currentLangs, langs[i])
		}
	}
	flush("")

	return out
}

// wordBelongsToSegment decides whether words[i] stays in segs[segIndex]
// (true) or advances to the next segment (false), applying the straddle
// disambiguation rules in order:
//
//  1. clear containment either side of the boundary (± precision),
//  2. first/last word pinning,
//  3. larger inter-word gap wins when one exceeds the precision,
//  4. sentence-final punctuation on the previous or current word,
//  5. larger temporal overlap with the competing segments.
func wordBelongsToSegment(words []Word, i int, segs []DiarizationSegment, segIndex int) bool {
	if segIndex == len(segs)-1 {
		// The last segment absorbs everything that remains.
		return true
	}

	word := words[i]
	current := segs[segIndex]

	if word.End <= current.SegEnd-boundaryPrecision {
		return true
	}
	if word.Start >= current.SegEnd+boundaryPrecision {
		return false
	}

	// The word straddles the boundary.
	if i == 0 {
		return true
	}
	if i == len(words)-1 {
		return false
	}

	gapPrevious := word.Start - words[i-1].End
	gapNext := words[i+1].Start - word.End
	if max(gapPrevious, gapNext) >= boundaryPrecision {
		return gapPrevious <= gapNext
	}

	if t := words[i-1].Text; t != "" && isSentenceEnd(t[len(t)-1]) {
		return false
	}
	if t := word.Text; t != "" && isSentenceEnd(t[len(t)-1]) {
		return true
	}

	next := segs[segIndex+1]
	overlapPrevious := current.SegEnd - word.Start
	overlapNext := word.End - next.SegBegin
	return overlapPrevious > overlapNext
}

func isSentenceEnd(c byte) bool {
	for i := 0; i < len(sentenceEnders); i++ {
		if sentenceEnders[i] == c {
			return true
		}
	}
	return false
}

// majorityLanguage returns the most frequent entry of langs, or "" when the
// list is empty. Ties resolve to the earliest-seen language.
func majorityLanguage(langs []string) string {
	if len(langs) == 0 {
		return ""
	}
	counts := make(map[string]int, 4)
	best, bestCount := "", 0
	for _, l := range langs {
		counts[l]++
		if counts[l] > bestCount {
			best, bestCount = l, counts[l]
		}
	}
	return best
}
