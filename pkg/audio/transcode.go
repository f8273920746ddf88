package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// TranscodingError reports an ffmpeg invocation that did not produce an
// output file. Stderr carries the transcoder's diagnostics.
type TranscodingError struct {
	Input  string
	Stderr string
}

func (e *TranscodingError) Error() string {
	return fmt.Sprintf("audio: transcoding %s produced no output: %s", e.Input, strings.TrimSpace(e.Stderr))
}

// Transcode converts an uploaded file into the canonical form: 16-bit PCM,
// mono, CanonicalRate. The output lands next to the input with a .wav
// extension (an extra "_" prefix when the input itself is a .wav, so the two
// never collide) and the original file is removed on success.
func Transcode(ctx context.Context, inputPath string) (string, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return "", fmt.Errorf("audio: input not found: %w", err)
	}

	dir := filepath.Dir(inputPath)
	base := filepath.Base(inputPath)
	stem, _, _ := strings.Cut(base, ".")
	if strings.HasSuffix(base, ".wav") {
		stem = "_" + stem
	}
	outputPath := filepath.Join(dir, stem+".wav")

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", inputPath,
		"-y",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(CanonicalRate),
		outputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// ffmpeg's exit code is checked indirectly: only the presence of the
	// output file decides success, matching the transcoder's habit of
	// returning non-zero on recoverable stream warnings.
	runErr := cmd.Run()
	if _, err := os.Stat(outputPath); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("audio: transcoding %s: %w", inputPath, ctx.Err())
		}
		_ = runErr
		return "", &TranscodingError{Input: inputPath, Stderr: stderr.String()}
	}

	if err := os.Remove(inputPath); err != nil {
		return "", fmt.Errorf("audio: remove original %s: %w", inputPath, err)
	}
	return outputPath, nil
}
