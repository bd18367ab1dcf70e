// yib/app.go
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"
	"yib/config"
	"yib/database"
	"yib/media"
	"yib/models"
	"yib/moderation"
	"yib/notify"
	"yib/posting"
	"yib/utils"
)

type Application struct {
	cfg         *config.Config
	db          *database.DatabaseService
	posts       *posting.Service
	mod         *moderation.Store
	rateLimiter *models.RateLimiter
	challenges  *models.ChallengeStore
	logger      *slog.Logger
	closers     []func() error
}

// Methods to satisfy the handlers.App interface
func (a *Application) DB() *database.DatabaseService      { return a.db }
func (a *Application) Posts() *posting.Service            { return a.posts }
func (a *Application) Restrictions() *moderation.Store    { return a.mod }
func (a *Application) RateLimiter() *models.RateLimiter   { return a.rateLimiter }
func (a *Application) Challenges() *models.ChallengeStore { return a.challenges }
func (a *Application) Logger() *slog.Logger               { return a.logger }
func (a *Application) StaticDir() string                  { return a.cfg.StaticDir }
func (a *Application) BackupDir() string                  { return a.cfg.BackupDir }

// loadConfig reads the TOML file named by YIB_CONFIG, then applies YIB_*
// environment overrides on top.
func loadConfig(logger *slog.Logger, path string) (*config.Config, error) {
	if path == "" {
		path = utils.GetEnv("YIB_CONFIG", "")
	}
	cfg, err := config.ReadFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.Port = utils.GetEnv("YIB_PORT", cfg.Port)
	cfg.DBPath = utils.GetEnv("YIB_DB_PATH", cfg.DBPath)
	cfg.StaticDir = utils.GetEnv("YIB_STATIC_DIR", cfg.StaticDir)
	cfg.BackupDir = utils.GetEnv("YIB_BACKUP_DIR", cfg.BackupDir)
	cfg.FFmpeg = utils.GetEnv("YIB_FFMPEG", cfg.FFmpeg)

	cfg.Posting.TimeoutAfterPost = utils.GetEnv("YIB_TIMEOUT_AFTER_POST", cfg.Posting.TimeoutAfterPost)
	cfg.Posting.Passcode = utils.GetEnv("YIB_PASSCODE", cfg.Posting.Passcode)
	cfg.Posting.RateEvery = utils.GetEnv("YIB_RATE_EVERY", cfg.Posting.RateEvery)
	cfg.Posting.RateBurst = utils.GetEnvInt(logger, "YIB_RATE_BURST", cfg.Posting.RateBurst)

	cfg.Redis.URL = utils.GetEnv("YIB_REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Channel = utils.GetEnv("YIB_REDIS_CHANNEL", cfg.Redis.Channel)

	cfg.S3.Enabled = utils.GetEnvBool("YIB_S3_ENABLED", cfg.S3.Enabled)
	cfg.S3.Endpoint = utils.GetEnv("YIB_S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.AccessKey = utils.GetEnv("YIB_S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = utils.GetEnv("YIB_S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.S3.Bucket = utils.GetEnv("YIB_S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Region = utils.GetEnv("YIB_S3_REGION", cfg.S3.Region)
	cfg.S3.PublicURL = utils.GetEnv("YIB_S3_PUBLIC_URL", cfg.S3.PublicURL)
	cfg.S3.UseSSL = utils.GetEnvBool("YIB_S3_USE_SSL", cfg.S3.UseSSL)
	return cfg, nil
}

// openDB opens only the database, for commands that need nothing else.
func openDB(logger *slog.Logger, cfg *config.Config) (*database.DatabaseService, error) {
	db, err := database.InitDB(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	return db, nil
}

// newApp wires every service. The caller must call Close.
func newApp(logger *slog.Logger, cfg *config.Config) (*Application, error) {
	db, err := openDB(logger, cfg)
	if err != nil {
		return nil, err
	}
	a := &Application{cfg: cfg, db: db, logger: logger}
	a.closers = append(a.closers, db.Close)

	if err := os.MkdirAll(cfg.BackupDir, 0755); err != nil {
		a.Close()
		return nil, fmt.Errorf("creating backup directory %s: %w", cfg.BackupDir, err)
	}
	if err := utils.EnsurePlaceholderImage(cfg.StaticDir, config.AudioPlaceholder, config.ThumbnailWidth, config.ThumbnailHeight, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("creating audio placeholder: %w", err)
	}

	var mirror media.Mirror
	if cfg.S3.Enabled {
		s3, err := utils.NewS3Storage(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.PublicURL, cfg.S3.UseSSL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initializing S3 mirror: %w", err)
		}
		mirror = s3
		logger.Info("S3 mirror initialized", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	}

	var publisher notify.Publisher = notify.Nop{}
	if cfg.Redis.URL != "" {
		redisPub, err := notify.NewRedisPublisher(cfg.Redis.URL, cfg.Redis.Channel, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, redisPub.Close)
		publisher = redisPub
		logger.Info("Redis publisher connected", "channel", cfg.Redis.Channel)
	}

	a.mod = moderation.New(db, utils.RealClock{}, logger)
	// Registered last so timers stop before the database closes.
	a.closers = append(a.closers, func() error { a.mod.Close(); return nil })

	removed, err := a.mod.CleanupExpired()
	if err != nil {
		logger.Error("Failed to clean up expired restrictions", "error", err)
	} else {
		logger.Info("Expired restrictions cleaned up", "removed", removed)
	}

	timeout := utils.ParseDuration(logger, "timeout_after_post", cfg.Posting.TimeoutAfterPost, config.DefaultTimeoutAfterPost)
	rateEvery := utils.ParseDuration(logger, "rate_every", cfg.Posting.RateEvery, config.DefaultRateLimitEvery)

	pipeline := media.NewPipeline(media.Options{
		StaticDir: cfg.StaticDir,
		FFmpeg:    cfg.FFmpeg,
		Mirror:    mirror,
		Logger:    logger,
	})
	a.posts = posting.New(db, a.mod, pipeline, publisher, posting.Options{
		TimeoutAfterPost: timeout,
		Passcode:         cfg.Posting.Passcode,
	}, logger)
	a.rateLimiter = models.NewRateLimiter(rateEvery, cfg.Posting.RateBurst)
	a.challenges = models.NewChallengeStore(10 * time.Minute)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *Application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("Failed to release resource", "error", err)
		}
	}
}
