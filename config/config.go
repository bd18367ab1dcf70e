// yib/config/config.go
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	AppVersion = "0.60-beta"

	// Form & Post Limits
	MaxNameLen    = 75
	MaxCommentLen = 20000
	DefaultName   = "Anonymous"
	PostsPerPage  = 6

	// File Upload Limits
	MaxFileSize     = 15 * 1024 * 1024 // 15MB
	MaxWidth        = 8000
	MaxHeight       = 8000
	ThumbnailWidth  = 250
	ThumbnailHeight = 250
	JPEGQuality     = 85

	// Media layout, relative to the static root
	ThreadMediaFolder = "post_images"
	ReplyMediaFolder  = "reply_images"
	ThumbFolder       = "thumbs"
	AudioPlaceholder  = "play.jpg"

	// Moderation Defaults
	DefaultTimeoutAfterPost = "35s"
	DefaultPasscode         = "passcode"
	MaxBanHours             = 100 * 365 * 24
	MaxTimeoutSeconds       = 365 * 24 * 3600

	// Flood Limiter Defaults
	DefaultRateLimitEvery = "5s"
	DefaultRateLimitBurst = 3

	DefaultRedisChannel = "new_post"
)

// Config holds the deployment settings read from the optional TOML file.
// Environment variables are layered on top by the caller.
type Config struct {
	Port      string        `toml:"port"`
	DBPath    string        `toml:"db_path"`
	StaticDir string        `toml:"static_dir"`
	BackupDir string        `toml:"backup_dir"`
	FFmpeg    string        `toml:"ffmpeg"`
	Posting   PostingConfig `toml:"posting"`
	Redis     RedisConfig   `toml:"redis"`
	S3        S3Config      `toml:"s3"`
}

// PostingConfig controls the automatic cooldown and flood limiter.
type PostingConfig struct {
	TimeoutAfterPost string `toml:"timeout_after_post"`
	Passcode         string `toml:"passcode"`
	RateEvery        string `toml:"rate_every"`
	RateBurst        int    `toml:"rate_burst"`
}

// RedisConfig enables the new-content publisher when URL is set.
type RedisConfig struct {
	URL     string `toml:"url"`
	Channel string `toml:"channel"`
}

// S3Config enables the object storage mirror for uploaded media.
type S3Config struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	PublicURL string `toml:"public_url"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Port:      "8080",
		DBPath:    "./yib.db?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000",
		StaticDir: "./static",
		BackupDir: "./backups",
		FFmpeg:    "ffmpeg",
		Posting: PostingConfig{
			TimeoutAfterPost: DefaultTimeoutAfterPost,
			Passcode:         DefaultPasscode,
			RateEvery:        DefaultRateLimitEvery,
			RateBurst:        DefaultRateLimitBurst,
		},
		Redis: RedisConfig{Channel: DefaultRedisChannel},
		S3:    S3Config{Region: "us-east-1", UseSSL: true},
	}
}

// Read decodes a Config from r on top of the defaults.
func Read(r io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// ReadFromFile reads a Config from path. A missing file yields the defaults.
func ReadFromFile(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}
