package handlers

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
	"yib/config"
	"yib/database"
	"yib/media"
	"yib/models"
	"yib/moderation"
	"yib/posting"
	"yib/utils"
)

// MockApplication holds dependencies for handler tests.
type MockApplication struct {
	db          *database.DatabaseService
	posts       *posting.Service
	mod         *moderation.Store
	rateLimiter *models.RateLimiter
	challenges  *models.ChallengeStore
	staticDir   string
	backupDir   string
	logger      *slog.Logger
}

func (a *MockApplication) DB() *database.DatabaseService      { return a.db }
func (a *MockApplication) Posts() *posting.Service            { return a.posts }
func (a *MockApplication) Restrictions() *moderation.Store    { return a.mod }
func (a *MockApplication) RateLimiter() *models.RateLimiter   { return a.rateLimiter }
func (a *MockApplication) Challenges() *models.ChallengeStore { return a.challenges }
func (a *MockApplication) Logger() *slog.Logger               { return a.logger }
func (a *MockApplication) StaticDir() string                  { return a.staticDir }
func (a *MockApplication) BackupDir() string                  { return a.backupDir }

// setupTestApp creates a full application stack with a test database for integration testing.
func setupTestApp(t *testing.T) *MockApplication {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dir := t.TempDir()
	dbService, err := database.InitDB(filepath.Join(dir, "test.db?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"), logger)
	if err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}
	staticDir := filepath.Join(dir, "static")
	if err := utils.EnsurePlaceholderImage(staticDir, config.AudioPlaceholder, 250, 250, logger); err != nil {
		t.Fatalf("Failed to create placeholder: %v", err)
	}

	mod := moderation.New(dbService, nil, logger)
	pipeline := media.NewPipeline(media.Options{StaticDir: staticDir, FFmpeg: "yib-test-no-such-ffmpeg", Logger: logger})
	posts := posting.New(dbService, mod, pipeline, nil, posting.Options{TimeoutAfterPost: 35 * time.Second}, logger)

	app := &MockApplication{
		db:          dbService,
		posts:       posts,
		mod:         mod,
		rateLimiter: models.NewRateLimiter(time.Second, 100),
		challenges:  models.NewChallengeStore(time.Minute),
		staticDir:   staticDir,
		backupDir:   filepath.Join(dir, "backups"),
		logger:      logger,
	}
	for _, b := range []models.Board{{URI: "b", Name: "Random"}, {URI: "c", Name: "Locked down", CaptchaRequired: true}} {
		if err := dbService.CreateBoard(b); err != nil {
			t.Fatalf("Failed to create board: %v", err)
		}
	}

	t.Cleanup(func() {
		mod.Close()
		dbService.Close()
	})
	return app
}

func solveChallenge(question string) string {
	parts := strings.Fields(question)
	num1, _ := strconv.Atoi(parts[2])
	num2, _ := strconv.Atoi(strings.TrimSuffix(parts[4], "?"))
	return strconv.Itoa(num1 + num2)
}

func newTestRequest(_ *testing.T, method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	ctx := context.WithValue(req.Context(), UserCookieKey, "test-cookie-id")
	return req.WithContext(ctx)
}

// multipartBody builds a post form; files maps a filename to its contents.
func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		writer.WriteField(k, v)
	}
	for name, data := range files {
		part, err := writer.CreateFormFile("fileInput", name)
		if err != nil {
			t.Fatalf("Failed to create form file: %v", err)
		}
		part.Write(data)
	}
	writer.Close()
	return body, writer.FormDataContentType()
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for x := 0; x < 32; x++ {
		for y := 0; y < 32; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 0x10, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode png: %v", err)
	}
	return buf.Bytes()
}
