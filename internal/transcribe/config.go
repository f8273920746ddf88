package transcribe

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Remote task names dispatched to auxiliary worker queues.
const (
	TaskNameTranscribe  = "transcribe_task"
	TaskNameDiarization = "diarization_task"
	TaskNamePunctuation = "punctuation_task"
)

// Service types advertised by auxiliary workers in the broker registry.
const (
	ServiceTypeDiarization = "diarization"
	ServiceTypePunctuation = "punctuation"
)

// VADConfig controls voice-activity-driven splitting of the input audio.
type VADConfig struct {
	// Enable toggles VAD splitting. When false the file is transcribed as a
	// single chunk.
	Enable bool `json:"enableVAD"`

	// MethodName selects the VAD engine. Only "WebRTC" is recognised.
	MethodName string `json:"methodName"`

	// MinDuration is the minimum sub-segment duration in seconds. Zero means
	// the historical preset (no merge floor, 10 s short-file bypass).
	MinDuration float64 `json:"minDuration"`

	// MaxDuration bounds sub-segment duration in seconds. Zero means unset.
	MaxDuration float64 `json:"maxDuration,omitempty"`
}

// DefaultVADConfig returns the documented defaults.
func DefaultVADConfig() VADConfig {
	return VADConfig{Enable: true, MethodName: "WebRTC"}
}

// UnmarshalJSON applies defaults for unset keys and ignores unknown ones.
func (c *VADConfig) UnmarshalJSON(data []byte) error {
	type alias VADConfig
	tmp := alias(DefaultVADConfig())
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*c = VADConfig(tmp)
	return nil
}

// DiarizationConfig controls the optional speaker-diarization sub-task.
// ServiceName pins a specific worker; ServiceQueue is written by the
// resolver once the task is bound to a live queue.
type DiarizationConfig struct {
	Enable             bool   `json:"enableDiarization"`
	NumberOfSpeaker    int    `json:"numberOfSpeaker,omitempty"`
	MaxNumberOfSpeaker int    `json:"maxNumberOfSpeaker,omitempty"`
	ServiceName        string `json:"serviceName,omitempty"`
	ServiceQueue       string `json:"serviceQueue,omitempty"`
}

// ServiceType implements the resolver task view.
func (c *DiarizationConfig) ServiceType() string { return ServiceTypeDiarization }

// TaskName returns the remote task name for this sub-task.
func (c *DiarizationConfig) TaskName() string { return TaskNameDiarization }

// IsEnabled reports whether the job needs this sub-task.
func (c *DiarizationConfig) IsEnabled() bool { return c.Enable }

// PinnedName returns the explicitly requested service name, if any.
func (c *DiarizationConfig) PinnedName() string { return c.ServiceName }

// Bind records the resolved worker identity on the config.
func (c *DiarizationConfig) Bind(name, queue string) {
	c.ServiceName = name
	c.ServiceQueue = queue
}

// normalize applies the speaker-count invariants: a single-speaker request
// disables diarization, non-positive counts are treated as unset, and
// MaxNumberOfSpeaker is clamped to NumberOfSpeaker when both are set.
func (c *DiarizationConfig) normalize() {
	if !c.Enable {
		return
	}
	if c.NumberOfSpeaker < 0 {
		c.NumberOfSpeaker = 0
	}
	if c.NumberOfSpeaker == 1 {
		c.Enable = false
		return
	}
	if c.MaxNumberOfSpeaker < 0 {
		c.MaxNumberOfSpeaker = 0
	}
	if c.NumberOfSpeaker > 0 && c.MaxNumberOfSpeaker > 0 {
		c.MaxNumberOfSpeaker = c.NumberOfSpeaker
	}
}

// PunctuationConfig controls the optional punctuation sub-task.
type PunctuationConfig struct {
	Enable       bool   `json:"enablePunctuation"`
	ServiceName  string `json:"serviceName,omitempty"`
	ServiceQueue string `json:"serviceQueue,omitempty"`
}

// ServiceType implements the resolver task view.
func (c *PunctuationConfig) ServiceType() string { return ServiceTypePunctuation }

// TaskName returns the remote task name for this sub-task.
func (c *PunctuationConfig) TaskName() string { return TaskNamePunctuation }

// IsEnabled reports whether the job needs this sub-task.
func (c *PunctuationConfig) IsEnabled() bool { return c.Enable }

// PinnedName returns the explicitly requested service name, if any.
func (c *PunctuationConfig) PinnedName() string { return c.ServiceName }

// Bind records the resolved worker identity on the config.
func (c *PunctuationConfig) Bind(name, queue string) {
	c.ServiceName = name
	c.ServiceQueue = queue
}

// Config is the per-request transcription configuration tree. Unknown JSON
// keys are ignored; unset keys take the documented defaults.
type Config struct {
	Language string `json:"language,omitempty"`

	// TranscribePerChannel is accepted and round-tripped for backwards
	// compatibility but has no downstream behaviour.
	TranscribePerChannel bool `json:"transcribePerChannel,omitempty"`

	// EnablePunctuation is the legacy top-level toggle; when present it
	// overrides Punctuation.Enable.
	EnablePunctuation *bool `json:"enablePunctuation,omitempty"`

	VAD         VADConfig         `json:"vadConfig"`
	Diarization DiarizationConfig `json:"diarizationConfig"`
	Punctuation PunctuationConfig `json:"punctuationConfig"`
}

// DefaultConfig returns a Config with every sub-config at its defaults.
func DefaultConfig() Config {
	return Config{VAD: DefaultVADConfig()}
}

// ParseConfig decodes a transcriptionConfig JSON form field. An empty or
// absent payload yields the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	data = bytes.TrimSpace(data)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("transcription config: %w", err)
		}
	}
	cfg.Diarization.normalize()
	if cfg.EnablePunctuation != nil {
		cfg.Punctuation.Enable = *cfg.EnablePunctuation
	}
	return &cfg, nil
}

// Equal reports structural equality across all declared keys.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	if (c.EnablePunctuation == nil) != (other.EnablePunctuation == nil) {
		return false
	}
	if c.EnablePunctuation != nil && *c.EnablePunctuation != *other.EnablePunctuation {
		return false
	}
	return c.Language == other.Language &&
		c.TranscribePerChannel == other.TranscribePerChannel &&
		c.VAD == other.VAD &&
		c.Diarization == other.Diarization &&
		c.Punctuation == other.Punctuation
}
