package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
		Mode string `yaml:"mode"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl"`
	} `yaml:"quiz"`
	Services struct {
		HintURL         string `yaml:"hintUrl"`
		FeedbackURL     string `yaml:"feedbackUrl"`
		FrameArchiveURL string `yaml:"frameArchiveUrl"`
		EmotionURL      string `yaml:"emotionUrl"` // ws:// endpoint of the classifier channel
	} `yaml:"services"`
	Capture struct {
		Device          string `yaml:"device"` // e.g. /dev/video0; empty disables camera
		SampleInterval  string `yaml:"sampleInterval"`
		Quality         int    `yaml:"quality"`
		EmotionInterval string `yaml:"emotionInterval"`
	} `yaml:"capture"`
	Engagement struct {
		IdleThresholdSeconds int `yaml:"idleThresholdSeconds"`
	} `yaml:"engagement"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Duration parses a duration string or returns the fallback if empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
