// Package config loads engine tuning from a yaml file or the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	alertapp "wattboard-cloud/internal/alerts/application"
	"wattboard-cloud/internal/alerts/notify"
	detectionapp "wattboard-cloud/internal/detection/application"
	"wattboard-cloud/internal/scheduler"
)

// Engine bundles the tunable settings of the background engines. Each
// section falls back to the component's defaults when left zero.
type Engine struct {
	Detection  detectionapp.Config `yaml:"detection"`
	Evaluation alertapp.Config     `yaml:"evaluation"`
	Scheduler  scheduler.Config    `yaml:"scheduler"`
	SMTP       notify.SMTPConfig   `yaml:"smtp"`
}

// Load reads the engine config from the yaml file named by WATTBOARD_CONFIG,
// then lets the environment override the common knobs. A missing file is not
// an error; every setting has a default.
func Load() (Engine, error) {
	var cfg Engine

	if path := os.Getenv("WATTBOARD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.Scheduler.RollupAt == "" {
		cfg.Scheduler.RollupAt = getenvDefault("ROLLUP_AT", "")
	}
	if cfg.Scheduler.EvaluationInterval == 0 {
		cfg.Scheduler.EvaluationInterval = getenvDuration("EVALUATION_INTERVAL", 0)
	}
	if cfg.Scheduler.DetectionInterval == 0 {
		cfg.Scheduler.DetectionInterval = getenvDuration("DETECTION_INTERVAL", 0)
	}
	if cfg.SMTP.Host == "" {
		cfg.SMTP.Host = os.Getenv("SMTP_HOST")
		cfg.SMTP.Port = getenvIntDefault("SMTP_PORT", cfg.SMTP.Port)
		cfg.SMTP.Username = os.Getenv("SMTP_USERNAME")
		cfg.SMTP.Password = os.Getenv("SMTP_PASSWORD")
		cfg.SMTP.From = os.Getenv("SMTP_FROM")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
