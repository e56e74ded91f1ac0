package main

import (
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server struct {
		Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
		Port int    `envconfig:"SERVER_PORT" default:"8080"`
	}
	Volume struct {
		Path     string `envconfig:"VOLUME_PATH" required:"true"`
		Staging  string `envconfig:"STAGING_PATH"`
		Metadata string `envconfig:"METADATA_PATH"`
	}
	Uploads struct {
		MaxFileSize int64         `envconfig:"MAX_FILE_SIZE" default:"34359738368"`
		MaxActive   int           `envconfig:"MAX_ACTIVE_UPLOADS" default:"64"`
		IdleTimeout time.Duration `envconfig:"UPLOAD_IDLE_TIMEOUT" default:"15m"`
	}
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	// Staging defaults under the volume so assembly renames stay on one
	// filesystem; both state dirs are dotted to stay out of listings.
	if cfg.Volume.Staging == "" {
		cfg.Volume.Staging = filepath.Join(cfg.Volume.Path, ".staging")
	}
	if cfg.Volume.Metadata == "" {
		cfg.Volume.Metadata = filepath.Join(cfg.Volume.Path, ".metadata")
	}

	return &cfg, nil
}
