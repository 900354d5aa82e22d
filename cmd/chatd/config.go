package main

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Host                string        `env:"HOST,default=0.0.0.0"`
	Port                int           `env:"PORT,default=8080"`
	BadgerFilepath      string        `env:"BADGER_FILEPATH,required=true"`
	UploadDirectory     string        `env:"UPLOAD_DIRECTORY,default=./uploads"`
	LogLevel            string        `env:"LOG_LEVEL,default=INFO"`
	JWTSecret           string        `env:"JWT_SECRET,required=true"`
	JWTIssuer           string        `env:"JWT_ISSUER,default=rescue-chat"`
	JWTDuration         time.Duration `env:"JWT_DURATION,default=24h"`
	ModerationBlocklist string        `env:"MODERATION_BLOCKLIST"`
	ModerationChar      string        `env:"MODERATION_CHARACTER_REPLACEMENT,default=*"`
	HealthInterval      time.Duration `env:"HEALTH_INTERVAL,default=30s"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL,default=5m"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// BlocklistWords splits the comma-separated blocklist. An empty
// variable means moderation runs with an empty dictionary.
func (c Config) BlocklistWords() []string {
	if c.ModerationBlocklist == "" {
		return nil
	}
	parts := strings.Split(c.ModerationBlocklist, ",")
	words := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			words = append(words, trimmed)
		}
	}
	return words
}

// CensorRune returns the single replacement character. More than one
// rune in the variable is a configuration mistake.
func (c Config) CensorRune() (rune, error) {
	runes := []rune(c.ModerationChar)
	if len(runes) != 1 {
		return 0, fmt.Errorf("MODERATION_CHARACTER_REPLACEMENT must be exactly one character, got %q", c.ModerationChar)
	}
	return runes[0], nil
}
