package format

import (
	"encoding/json"
	"fmt"

	"github.com/voxfarm/voxfarm/internal/transcribe"
)

// Supported response media types.
const (
	MediaJSON = "application/json"
	MediaText = "text/plain"
	MediaVTT  = "text/vtt"
	MediaSRT  = "text/srt"
)

// ErrUnsupportedMedia rejects Accept values outside the supported set.
type ErrUnsupportedMedia struct {
	Media string
}

func (e *ErrUnsupportedMedia) Error() string {
	return fmt.Sprintf("format: unsupported media type %q", e.Media)
}

// Options controls rendering of a persisted result.
type Options struct {
	// Media is the negotiated response media type.
	Media string

	// Raw selects the unpunctuated transcription.
	Raw bool

	// ConvertNumbers rewrites small spelled-out numbers as digits. It is
	// forced off when the result carries a detected language, since
	// language-detecting models already emit digits.
	ConvertNumbers bool

	// Substitutions are user-requested text replacements.
	Substitutions []Substitution

	// Language is the service language; a detected language on the result
	// takes precedence when this is empty or a wildcard.
	Language string
}

// Render produces the response body for a persisted result. The returned
// content type matches Options.Media.
func Render(doc transcribe.ResultDocument, opts Options) ([]byte, string, error) {
	language := opts.Language
	if (language == "" || language == "*") && doc.Language != "" && doc.Language != "*" {
		language = doc.Language
		opts.ConvertNumbers = false
	}

	clean := func(text string) string {
		text = CleanText(text, language, opts.Substitutions)
		if opts.ConvertNumbers {
			text = ConvertNumbers(text, language)
		}
		return text
	}

	switch opts.Media {
	case MediaJSON:
		body, err := json.Marshal(cleanDocument(doc, clean))
		if err != nil {
			return nil, "", fmt.Errorf("format: marshal result: %w", err)
		}
		return body, MediaJSON, nil

	case MediaText:
		text := doc.TranscriptionResult
		if opts.Raw {
			text = doc.RawTranscription
		}
		return []byte(clean(text)), MediaText, nil

	case MediaVTT:
		return []byte(ToVTT(doc, language, opts.Raw, opts.Substitutions, opts.ConvertNumbers)), MediaVTT, nil

	case MediaSRT:
		return []byte(ToSRT(doc, language, opts.Raw, opts.Substitutions, opts.ConvertNumbers)), MediaSRT, nil

	default:
		return nil, "", &ErrUnsupportedMedia{Media: opts.Media}
	}
}

// cleanDocument applies text cleaning to the JSON form: segment texts and
// the full transcription are cleaned, word texts are stripped of boundary
// punctuation, and words emptied by stripping are dropped.
func cleanDocument(doc transcribe.ResultDocument, clean func(string) string) transcribe.ResultDocument {
	doc.TranscriptionResult = clean(doc.TranscriptionResult)
	segments := make([]transcribe.SegmentDocument, len(doc.Segments))
	for i, seg := range doc.Segments {
		seg.Segment = clean(seg.Segment)
		words := make([]transcribe.Word, 0, len(seg.Words))
		for _, w := range seg.Words {
			w.Text = StripWordPunctuation(w.Text)
			if w.Text == "" {
				continue
			}
			words = append(words, w)
		}
		seg.Words = words
		segments[i] = seg
	}
	doc.Segments = segments
	return doc
}
