package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultQuestionInterval = 10
	DefaultCardCount        = 120
	DefaultCardPrefix       = "STEL-GoodLuck-"
	DefaultQuestionSet      = "default"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Questions struct {
		Set string `yaml:"set"`
		TTL string `yaml:"ttl"`
	} `yaml:"questions"`
	Game struct {
		QuestionInterval int    `yaml:"questionInterval"`
		CardCount        int    `yaml:"cardCount"`
		CardPrefix       string `yaml:"cardPrefix"`
	} `yaml:"game"`
	Log struct {
		Level    string `yaml:"level"`
		Encoding string `yaml:"encoding"`
	} `yaml:"log"`
}

// Load reads YAML config from path, then applies environment overrides and defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv lets container deployments point at backing services without a new file.
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Game.QuestionInterval <= 0 {
		c.Game.QuestionInterval = DefaultQuestionInterval
	}
	if c.Game.CardCount <= 0 {
		c.Game.CardCount = DefaultCardCount
	}
	if c.Game.CardPrefix == "" {
		c.Game.CardPrefix = DefaultCardPrefix
	}
	if c.Questions.Set == "" {
		c.Questions.Set = DefaultQuestionSet
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "json"
	}
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
