package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv assembles a config from defaults and the environment alone, for
// deployments without a config file.
func FromEnv() (*Config, error) {
	cfg := Default()
	applyEnv(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv layers the historical environment variables over cfg. Unset
// variables leave the existing values alone.
func applyEnv(cfg *Config) {
	setString(&cfg.Service.Name, "SERVICE_NAME")
	setString(&cfg.Service.Language, "LANGUAGE")
	setString(&cfg.Service.LogDir, "LOG_DIR")
	setString(&cfg.Broker.URL, "SERVICES_BROKER")
	setString(&cfg.Broker.Password, "BROKER_PASS")
	setString(&cfg.Mongo.Host, "MONGO_HOST")
	setString(&cfg.Mongo.Port, "MONGO_PORT")
	setString(&cfg.Audio.Dir, "AUDIO_FOLDER")
	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")

	if v, ok := os.LookupEnv("CONCURRENCY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Service.Concurrency = n
		}
	}
	if v, ok := os.LookupEnv("KEEP_AUDIO"); ok {
		cfg.Service.KeepAudio = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Service.Name == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	if cfg.Service.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("service.concurrency %d must be at least 1", cfg.Service.Concurrency))
	}
	if cfg.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url is required (SERVICES_BROKER)"))
	}
	if cfg.Mongo.Host == "" {
		errs = append(errs, errors.New("mongo.host is required (MONGO_HOST)"))
	}
	if cfg.Mongo.Port == "" {
		errs = append(errs, errors.New("mongo.port is required (MONGO_PORT)"))
	}
	if cfg.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.database is required"))
	}
	if cfg.Audio.Dir == "" {
		errs = append(errs, errors.New("audio.dir is required"))
	}

	return errors.Join(errs...)
}
