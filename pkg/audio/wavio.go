// Package audio handles the canonical audio representation of the service:
// reading and writing 16-bit PCM wave files, transcoding arbitrary uploads
// into that form with ffmpeg, and splitting a file into sub-segments either
// with voice activity detection or along externally supplied timestamps.
package audio

import (
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// CanonicalRate is the sample rate every file is transcoded to before
// segmentation and transcription.
const CanonicalRate = 16000

// PCM is a decoded mono wave file.
type PCM struct {
	Samples []int
	Rate    int
}

// Duration returns the signal length in seconds.
func (p *PCM) Duration() float64 {
	if p.Rate == 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.Rate)
}

// ReadPCM decodes a wave file into memory. Multi-channel files are rejected;
// canonicalization happens at transcode time, before any read.
func ReadPCM(path string) (*PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode %s: %w", path, err)
	}
	if buf.Format.NumChannels != 1 {
		return nil, fmt.Errorf("audio: %s has %d channels, want mono", path, buf.Format.NumChannels)
	}
	return &PCM{Samples: buf.Data, Rate: buf.Format.SampleRate}, nil
}

// WritePCM writes samples as a 16-bit mono wave file.
func WritePCM(path string, p *PCM) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %s: %w", path, err)
	}

	enc := wav.NewEncoder(f, p.Rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: p.Rate},
		Data:           p.Samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("audio: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("audio: finalize %s: %w", path, err)
	}
	return f.Close()
}

// Duration reads just enough of a wave file to report its length in seconds.
func Duration(path string) (float64, error) {
	p, err := ReadPCM(path)
	if err != nil {
		return 0, err
	}
	return p.Duration(), nil
}
