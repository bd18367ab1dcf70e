// yib/database/database.go
package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"yib/models"
	"yib/utils"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrBoardNotFound  = errors.New("board not found")
	ErrThreadNotFound = errors.New("thread not found")
	ErrThreadLocked   = errors.New("thread is locked")
	ErrPostNotFound   = errors.New("post not found")
)

// DatabaseService is the central struct for all database operations.
type DatabaseService struct {
	DB     *sql.DB
	Clock  utils.Clock
	logger *slog.Logger

	boardCache map[string]*models.Board
	cacheMu    sync.RWMutex
}

// InitDB connects to the database and runs migrations.
func InitDB(dataSourceName string, logger *slog.Logger) (*DatabaseService, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection keeps read-then-write
	// transactions from failing with SQLITE_BUSY under concurrent requests.
	db.SetMaxOpenConns(1)

	if err := MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	version, _, err := SchemaVersion(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Database initialized", "schema_version", version)

	return &DatabaseService{
		DB:         db,
		Clock:      utils.RealClock{},
		logger:     logger.With("component", "database"),
		boardCache: make(map[string]*models.Board),
	}, nil
}

// Close closes the underlying database handle.
func (ds *DatabaseService) Close() error {
	return ds.DB.Close()
}

func (ds *DatabaseService) now() time.Time {
	return ds.Clock.Now()
}

// BackupDatabase performs an online backup of the live SQLite database using VACUUM INTO.
func (ds *DatabaseService) BackupDatabase(backupDir string) (string, error) {
	if backupDir == "" {
		return "", fmt.Errorf("backup directory is not configured")
	}
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("could not create backup directory %s: %w", backupDir, err)
	}

	timestamp := ds.now().Format("2006-01-02_15-04-05")
	backupPath := filepath.Join(backupDir, fmt.Sprintf("yib_backup_%s.db", timestamp))

	ds.logger.Info("Starting database backup", "destination", backupPath)

	if _, err := ds.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
		if removeErr := os.Remove(backupPath); removeErr != nil && !os.IsNotExist(removeErr) {
			ds.logger.Error("Failed to remove incomplete backup file", "path", backupPath, "error", removeErr)
		}
		return "", fmt.Errorf("VACUUM INTO command failed: %w", err)
	}
	return backupPath, nil
}

// --- Boards ---

// CreateBoard inserts a board. An existing URI is an error.
func (ds *DatabaseService) CreateBoard(b models.Board) error {
	if b.Created.IsZero() {
		b.Created = ds.now()
	}
	_, err := ds.DB.Exec("INSERT INTO boards (board_uri, board_name, board_desc, board_owner, enable_captcha, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		b.URI, b.Name, b.Description, b.Owner, b.CaptchaRequired, b.Created)
	if err != nil {
		return fmt.Errorf("failed to create board '%s': %w", b.URI, err)
	}
	ds.ClearBoardCache(b.URI)
	return nil
}

// GetBoard fetches a board, using the instance's cache.
func (ds *DatabaseService) GetBoard(boardURI string) (*models.Board, error) {
	ds.cacheMu.RLock()
	board, ok := ds.boardCache[boardURI]
	ds.cacheMu.RUnlock()
	if ok {
		return board, nil
	}

	var b models.Board
	err := ds.DB.QueryRow("SELECT board_uri, board_name, board_desc, board_owner, enable_captcha, created_at FROM boards WHERE board_uri = ?", boardURI).Scan(
		&b.URI, &b.Name, &b.Description, &b.Owner, &b.CaptchaRequired, &b.Created,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: '%s'", ErrBoardNotFound, boardURI)
		}
		return nil, fmt.Errorf("db error getting board '%s': %w", boardURI, err)
	}

	ds.cacheMu.Lock()
	ds.boardCache[boardURI] = &b
	ds.cacheMu.Unlock()
	return &b, nil
}

// DeleteBoard removes a board; threads, replies and pins go with it through cascades.
// The media of every removed row is returned for the caller to delete.
func (ds *DatabaseService) DeleteBoard(boardURI string) (models.DeletedMedia, error) {
	var deleted models.DeletedMedia
	tx, err := ds.DB.Begin()
	if err != nil {
		return deleted, err
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
			ds.logger.Error("Failed to rollback transaction in DeleteBoard", "error", rerr)
		}
	}()

	threadRows, err := tx.Query("SELECT post_images, imagesthb FROM threads WHERE board_uri = ?", boardURI)
	if err != nil {
		return deleted, fmt.Errorf("failed to query thread media for board deletion: %w", err)
	}
	deleted.ThreadFiles, err = ds.collectMedia(threadRows)
	if err != nil {
		return deleted, err
	}

	replyRows, err := tx.Query("SELECT r.images, r.imagesthb FROM replies r JOIN threads t ON r.post_id = t.post_id WHERE t.board_uri = ?", boardURI)
	if err != nil {
		return deleted, fmt.Errorf("failed to query reply media for board deletion: %w", err)
	}
	deleted.ReplyFiles, err = ds.collectMedia(replyRows)
	if err != nil {
		return deleted, err
	}

	res, err := tx.Exec("DELETE FROM boards WHERE board_uri = ?", boardURI)
	if err != nil {
		return deleted, fmt.Errorf("failed to delete board record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.DeletedMedia{}, fmt.Errorf("%w: '%s'", ErrBoardNotFound, boardURI)
	}
	if err := tx.Commit(); err != nil {
		return models.DeletedMedia{}, fmt.Errorf("failed to commit board deletion: %w", err)
	}
	ds.ClearBoardCache(boardURI)
	return deleted, nil
}

// --- Cache Management ---

func (ds *DatabaseService) ClearBoardCache(boardURI string) {
	ds.cacheMu.Lock()
	delete(ds.boardCache, boardURI)
	ds.cacheMu.Unlock()
}

// --- Internal Helpers ---

// collectMedia drains rows of (images, thumbs) JSON columns into asset pairs and closes rows.
func (ds *DatabaseService) collectMedia(rows *sql.Rows) ([]models.MediaAsset, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Warn("Failed to close media rows", "error", err)
		}
	}()
	var assets []models.MediaAsset
	for rows.Next() {
		var images, thumbs string
		if err := rows.Scan(&images, &thumbs); err != nil {
			return nil, fmt.Errorf("failed to scan media columns: %w", err)
		}
		assets = append(assets, pairMedia(decodeList(images), decodeList(thumbs))...)
	}
	return assets, rows.Err()
}

func encodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeList tolerates empty or malformed columns by returning an empty list.
func decodeList(raw string) []string {
	var items []string
	if raw == "" || json.Unmarshal([]byte(raw), &items) != nil || items == nil {
		return []string{}
	}
	return items
}

// pairMedia zips originals and thumbnails; a missing thumbnail leaves Thumbnail empty.
func pairMedia(originals, thumbs []string) []models.MediaAsset {
	assets := make([]models.MediaAsset, 0, len(originals))
	for i, original := range originals {
		asset := models.MediaAsset{Original: original}
		if i < len(thumbs) {
			asset.Thumbnail = thumbs[i]
		}
		assets = append(assets, asset)
	}
	return assets
}
