// Package config provides the configuration schema and loader for the
// transcription service. Configuration comes from an optional YAML file with
// environment variables layered on top, so containerised deployments can run
// from the environment alone.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is loaded with [Load] or
// assembled from the environment with [FromEnv].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Service ServiceConfig `yaml:"service"`
	Broker  BrokerConfig  `yaml:"broker"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Audio   AudioConfig   `yaml:"audio"`
}

// ServerConfig holds network and logging settings for the HTTP ingress.
type ServerConfig struct {
	// ListenAddr is the TCP address the ingress listens on (e.g. ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ServiceConfig identifies this service instance and sizes its worker pool.
type ServiceConfig struct {
	// Name is the service's registry name; the job queue is derived from it
	// (<name>_requests).
	Name string `yaml:"name"`

	// Language is the default transcription language when a request names
	// none. Empty lets the model decide.
	Language string `yaml:"language"`

	// Concurrency is the number of jobs processed in parallel.
	Concurrency int `yaml:"concurrency"`

	// KeepAudio disables deletion of audio files once a job finishes.
	KeepAudio bool `yaml:"keep_audio"`

	// LogDir receives one log file per job, served on the job-log endpoint.
	// Empty disables per-job log files.
	LogDir string `yaml:"log_dir"`
}

// BrokerConfig locates the Redis task broker.
type BrokerConfig struct {
	// URL is a redis URL (e.g. "redis://broker:6379/0").
	URL string `yaml:"url"`

	// Password overrides any credential embedded in the URL.
	Password string `yaml:"password"`
}

// MongoConfig locates the result database.
type MongoConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	// Database is the database name holding the cache and result collections.
	Database string `yaml:"database"`
}

// AudioConfig holds filesystem settings for uploaded audio.
type AudioConfig struct {
	// Dir is the shared folder uploads are written to; workers read the same
	// paths.
	Dir string `yaml:"dir"`
}

// Default returns the documented defaults. Broker and Mongo locations have no
// default and must come from the file or the environment.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8000",
			LogLevel:   LogInfo,
		},
		Service: ServiceConfig{
			Name:        "stt",
			Concurrency: 4,
			LogDir:      "logs",
		},
		Mongo: MongoConfig{
			Port:     "27017",
			Database: "transcriptiondb",
		},
		Audio: AudioConfig{
			Dir: "/opt/audio",
		},
	}
}
