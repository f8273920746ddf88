package server

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/voxfarm/voxfarm/pkg/audio"
)

// parseTimestamps decodes an uploaded timestamps file. Each non-empty line
// names one segment as "start end" in seconds, optionally followed by a
// speaker id.
func parseTimestamps(raw []byte) ([]audio.Timestamp, error) {
	var stamps []audio.Timestamp
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("server: timestamps line %d: want \"start end [speaker]\", got %q", lineNo, line)
		}
		start, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("server: timestamps line %d: %w", lineNo, err)
		}
		end, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("server: timestamps line %d: %w", lineNo, err)
		}
		if end <= start {
			return nil, fmt.Errorf("server: timestamps line %d: segment ends before it starts", lineNo)
		}
		ts := audio.Timestamp{Start: start, End: end}
		if len(fields) == 3 {
			ts.ID = fields[2]
		}
		stamps = append(stamps, ts)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("server: read timestamps: %w", err)
	}
	if len(stamps) == 0 {
		return nil, fmt.Errorf("server: timestamps file holds no segments")
	}
	return stamps, nil
}
