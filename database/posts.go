// yib/database/posts.go
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"yib/models"

	"github.com/samber/lo"
)

// nextIDExpr yields the next id of the shared thread/reply counter. It is
// evaluated inside the INSERT so assignment and write are a single statement.
const nextIDExpr = `(SELECT MAX(COALESCE((SELECT MAX(post_id) FROM threads), 0), COALESCE((SELECT MAX(reply_id) FROM replies), 0)) + 1)`

const threadColumns = `t.post_id, t.board_uri, t.user_ip, t.post_user, t.original_content, t.post_content, t.embed,
	t.post_images, t.imagesthb, t.locked, t.visible, t.post_date, t.last_bumped,
	EXISTS(SELECT 1 FROM pinned p WHERE p.post_id = t.post_id)`

const replyColumns = `reply_id, post_id, user_ip, post_user, content, embed, images, imagesthb, post_date`

// sqlite's default SQLITE_MAX_VARIABLE_NUMBER is far above this; chunks keep statements small.
const inQueryChunk = 500

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Writes ---

// CreateThread inserts a new opening post and returns its id.
func (ds *DatabaseService) CreateThread(in models.ThreadInput) (int64, error) {
	if _, err := ds.GetBoard(in.BoardURI); err != nil {
		return 0, err
	}
	images, thumbs, err := encodeMedia(in.Media)
	if err != nil {
		return 0, err
	}
	now := ds.now()

	tx, err := ds.DB.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
			ds.logger.Error("Failed to rollback transaction in CreateThread", "error", rerr)
		}
	}()

	res, err := tx.Exec(`INSERT INTO threads (post_id, board_uri, user_ip, post_user, original_content, post_content, embed, post_images, imagesthb, locked, visible, post_date, last_bumped)
		VALUES (`+nextIDExpr+`, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1, ?, ?)`,
		in.BoardURI, in.Identity, in.Name, in.RawContent, in.Content, in.Embed, images, thumbs, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to save thread: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new thread id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit thread: %w", err)
	}
	return id, nil
}

// CreateReply inserts a reply under threadID and bumps the thread.
// A failed bump is logged; the reply stays.
func (ds *DatabaseService) CreateReply(threadID int64, in models.ReplyInput) (int64, error) {
	images, thumbs, err := encodeMedia(in.Media)
	if err != nil {
		return 0, err
	}

	tx, err := ds.DB.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
			ds.logger.Error("Failed to rollback transaction in CreateReply", "error", rerr)
		}
	}()

	var locked bool
	err = tx.QueryRow("SELECT locked FROM threads WHERE post_id = ?", threadID).Scan(&locked)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: %d", ErrThreadNotFound, threadID)
		}
		return 0, fmt.Errorf("failed to look up thread %d: %w", threadID, err)
	}
	if locked {
		return 0, fmt.Errorf("%w: %d", ErrThreadLocked, threadID)
	}

	res, err := tx.Exec(`INSERT INTO replies (reply_id, post_id, user_ip, post_user, content, embed, images, imagesthb, post_date)
		VALUES (`+nextIDExpr+`, ?, ?, ?, ?, ?, ?, ?, ?)`,
		threadID, in.Identity, in.Name, in.Content, in.Embed, images, thumbs, ds.now())
	if err != nil {
		return 0, fmt.Errorf("failed to save reply: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new reply id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reply: %w", err)
	}

	if err := ds.Bump(threadID); err != nil {
		ds.logger.Error("Failed to bump thread after reply", "thread_id", threadID, "reply_id", id, "error", err)
	}
	return id, nil
}

// Bump moves the thread's last_bumped to now.
func (ds *DatabaseService) Bump(threadID int64) error {
	res, err := ds.DB.Exec("UPDATE threads SET last_bumped = ? WHERE post_id = ?", ds.now(), threadID)
	if err != nil {
		return fmt.Errorf("failed to bump thread %d: %w", threadID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrThreadNotFound, threadID)
	}
	return nil
}

// ToggleLock flips the locked flag and returns the new value.
func (ds *DatabaseService) ToggleLock(threadID int64) (bool, error) {
	tx, err := ds.DB.Begin()
	if err != nil {
		return false, err
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
			ds.logger.Error("Failed to rollback transaction in ToggleLock", "error", rerr)
		}
	}()

	var locked bool
	if err := tx.QueryRow("SELECT locked FROM threads WHERE post_id = ?", threadID).Scan(&locked); err != nil {
		if err == sql.ErrNoRows {
			return false, fmt.Errorf("%w: %d", ErrThreadNotFound, threadID)
		}
		return false, err
	}
	if _, err := tx.Exec("UPDATE threads SET locked = ? WHERE post_id = ?", !locked, threadID); err != nil {
		return false, fmt.Errorf("failed to update lock state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return !locked, nil
}

// TogglePin reads the pin state of a thread and writes the opposite.
func (ds *DatabaseService) TogglePin(threadID int64, boardURI string) (bool, error) {
	pinned, err := ds.IsPinned(threadID)
	if err != nil {
		return false, err
	}
	if err := ds.SetPinned(threadID, boardURI, !pinned); err != nil {
		return false, err
	}
	return !pinned, nil
}

// IsPinned reports whether a pin row exists for the thread.
func (ds *DatabaseService) IsPinned(threadID int64) (bool, error) {
	var pinned bool
	err := ds.DB.QueryRow("SELECT EXISTS(SELECT 1 FROM pinned WHERE post_id = ?)", threadID).Scan(&pinned)
	if err != nil {
		return false, fmt.Errorf("failed to read pin state for %d: %w", threadID, err)
	}
	return pinned, nil
}

// SetPinned inserts or removes the pin row. Pinning twice leaves one row.
func (ds *DatabaseService) SetPinned(threadID int64, boardURI string, pinned bool) error {
	if !pinned {
		if _, err := ds.DB.Exec("DELETE FROM pinned WHERE post_id = ?", threadID); err != nil {
			return fmt.Errorf("failed to unpin thread %d: %w", threadID, err)
		}
		return nil
	}

	var exists bool
	err := ds.DB.QueryRow("SELECT EXISTS(SELECT 1 FROM threads WHERE post_id = ? AND board_uri = ?)", threadID, boardURI).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %d on /%s/", ErrThreadNotFound, threadID, boardURI)
	}
	if _, err := ds.DB.Exec("INSERT OR IGNORE INTO pinned (board_uri, post_id) VALUES (?, ?)", boardURI, threadID); err != nil {
		return fmt.Errorf("failed to pin thread %d: %w", threadID, err)
	}
	return nil
}

// DeleteThread removes a thread with its replies and pin row. The media of all
// removed rows is returned for the caller to delete.
func (ds *DatabaseService) DeleteThread(threadID int64) (models.DeletedMedia, error) {
	var deleted models.DeletedMedia
	tx, err := ds.DB.Begin()
	if err != nil {
		return deleted, err
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
			ds.logger.Error("Failed to rollback transaction in DeleteThread", "error", rerr)
		}
	}()

	var images, thumbs string
	err = tx.QueryRow("SELECT post_images, imagesthb FROM threads WHERE post_id = ?", threadID).Scan(&images, &thumbs)
	if err != nil {
		if err == sql.ErrNoRows {
			return deleted, fmt.Errorf("%w: %d", ErrThreadNotFound, threadID)
		}
		return deleted, fmt.Errorf("failed to read thread %d: %w", threadID, err)
	}
	deleted.ThreadFiles = pairMedia(decodeList(images), decodeList(thumbs))

	rows, err := tx.Query("SELECT images, imagesthb FROM replies WHERE post_id = ?", threadID)
	if err != nil {
		return deleted, fmt.Errorf("failed to read replies of thread %d: %w", threadID, err)
	}
	if deleted.ReplyFiles, err = ds.collectMedia(rows); err != nil {
		return deleted, err
	}

	// Cascades cover these when foreign keys are enabled; the explicit deletes
	// keep the result identical when they are not.
	if _, err := tx.Exec("DELETE FROM replies WHERE post_id = ?", threadID); err != nil {
		return deleted, fmt.Errorf("failed to delete replies: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM pinned WHERE post_id = ?", threadID); err != nil {
		return deleted, fmt.Errorf("failed to delete pin: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM threads WHERE post_id = ?", threadID); err != nil {
		return deleted, fmt.Errorf("failed to delete thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.DeletedMedia{}, fmt.Errorf("failed to commit thread deletion: %w", err)
	}
	return deleted, nil
}

// DeleteReply removes one reply and returns its media.
func (ds *DatabaseService) DeleteReply(replyID int64) (models.DeletedMedia, error) {
	var deleted models.DeletedMedia
	tx, err := ds.DB.Begin()
	if err != nil {
		return deleted, err
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
			ds.logger.Error("Failed to rollback transaction in DeleteReply", "error", rerr)
		}
	}()

	var images, thumbs string
	err = tx.QueryRow("SELECT images, imagesthb FROM replies WHERE reply_id = ?", replyID).Scan(&images, &thumbs)
	if err != nil {
		if err == sql.ErrNoRows {
			return deleted, fmt.Errorf("%w: reply %d", ErrPostNotFound, replyID)
		}
		return deleted, fmt.Errorf("failed to read reply %d: %w", replyID, err)
	}
	deleted.ReplyFiles = pairMedia(decodeList(images), decodeList(thumbs))

	if _, err := tx.Exec("DELETE FROM replies WHERE reply_id = ?", replyID); err != nil {
		return deleted, fmt.Errorf("failed to delete reply: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.DeletedMedia{}, fmt.Errorf("failed to commit reply deletion: %w", err)
	}
	return deleted, nil
}

// --- Reads ---

// GetThreadsForBoard returns one page (1-based) of non-pinned threads, most recently bumped first.
func (ds *DatabaseService) GetThreadsForBoard(boardURI string, page, pageSize int) ([]models.Thread, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		return []models.Thread{}, nil
	}
	rows, err := ds.DB.Query(`SELECT `+threadColumns+` FROM threads t
		WHERE t.board_uri = ? AND t.visible = 1 AND NOT EXISTS(SELECT 1 FROM pinned p WHERE p.post_id = t.post_id)
		ORDER BY t.last_bumped DESC, t.post_id DESC LIMIT ? OFFSET ?`,
		boardURI, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads for board '%s': %w", boardURI, err)
	}
	return ds.scanThreads(rows)
}

// GetPinnedThreads returns every pinned thread of a board, newest first.
func (ds *DatabaseService) GetPinnedThreads(boardURI string) ([]models.Thread, error) {
	rows, err := ds.DB.Query(`SELECT `+threadColumns+` FROM threads t
		JOIN pinned pn ON pn.post_id = t.post_id
		WHERE pn.board_uri = ?
		ORDER BY t.post_date DESC, t.post_id DESC`, boardURI)
	if err != nil {
		return nil, fmt.Errorf("failed to query pinned threads for board '%s': %w", boardURI, err)
	}
	return ds.scanThreads(rows)
}

// GetThreadCount counts a board's visible threads, optionally including pinned ones.
func (ds *DatabaseService) GetThreadCount(boardURI string, includePinned bool) (int, error) {
	query := "SELECT COUNT(*) FROM threads t WHERE t.board_uri = ? AND t.visible = 1"
	if !includePinned {
		query += " AND NOT EXISTS(SELECT 1 FROM pinned p WHERE p.post_id = t.post_id)"
	}
	var count int
	if err := ds.DB.QueryRow(query, boardURI).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count threads for board '%s': %w", boardURI, err)
	}
	return count, nil
}

// GetThread fetches a single thread.
func (ds *DatabaseService) GetThread(threadID int64) (*models.Thread, error) {
	row := ds.DB.QueryRow(`SELECT `+threadColumns+` FROM threads t WHERE t.post_id = ?`, threadID)
	thread, err := scanThread(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %d", ErrThreadNotFound, threadID)
		}
		return nil, err
	}
	return thread, nil
}

// GetReply fetches a single reply.
func (ds *DatabaseService) GetReply(replyID int64) (*models.Reply, error) {
	row := ds.DB.QueryRow(`SELECT `+replyColumns+` FROM replies WHERE reply_id = ?`, replyID)
	reply, err := scanReply(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: reply %d", ErrPostNotFound, replyID)
		}
		return nil, err
	}
	return reply, nil
}

// GetRepliesForThreads returns the replies of all given threads keyed by
// thread id, each list in ascending id order.
func (ds *DatabaseService) GetRepliesForThreads(threadIDs []int64) (map[int64][]models.Reply, error) {
	result := make(map[int64][]models.Reply)
	ids := lo.Uniq(threadIDs)
	for _, chunk := range lo.Chunk(ids, inQueryChunk) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := lo.Map(chunk, func(id int64, _ int) any { return id })
		rows, err := ds.DB.Query(`SELECT `+replyColumns+` FROM replies WHERE post_id IN (`+placeholders+`) ORDER BY reply_id ASC`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query replies: %w", err)
		}
		for rows.Next() {
			reply, err := scanReply(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			result[reply.ThreadID] = append(result[reply.ThreadID], *reply)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return result, nil
}

// GetThreadIDForPost resolves a thread or reply id to the id of its thread.
func (ds *DatabaseService) GetThreadIDForPost(postID int64) (int64, error) {
	var threadID int64
	err := ds.DB.QueryRow(`SELECT post_id FROM threads WHERE post_id = ?
		UNION ALL SELECT post_id FROM replies WHERE reply_id = ? LIMIT 1`, postID, postID).Scan(&threadID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: %d", ErrPostNotFound, postID)
		}
		return 0, fmt.Errorf("failed to resolve post %d: %w", postID, err)
	}
	return threadID, nil
}

// GetAuthorIdentity returns the stored identity of a thread or reply author.
func (ds *DatabaseService) GetAuthorIdentity(postID int64) (string, error) {
	var identity string
	err := ds.DB.QueryRow(`SELECT user_ip FROM threads WHERE post_id = ?
		UNION ALL SELECT user_ip FROM replies WHERE reply_id = ? LIMIT 1`, postID, postID).Scan(&identity)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("%w: %d", ErrPostNotFound, postID)
		}
		return "", fmt.Errorf("failed to look up author of %d: %w", postID, err)
	}
	return identity, nil
}

// --- Scanning ---

func (ds *DatabaseService) scanThreads(rows *sql.Rows) ([]models.Thread, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Warn("Failed to close thread rows", "error", err)
		}
	}()
	threads := []models.Thread{}
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *thread)
	}
	return threads, rows.Err()
}

func scanThread(row rowScanner) (*models.Thread, error) {
	var t models.Thread
	var images, thumbs string
	err := row.Scan(&t.ID, &t.BoardURI, &t.Identity, &t.Name, &t.RawContent, &t.Content, &t.Embed,
		&images, &thumbs, &t.Locked, &t.Visible, &t.PostDate, &t.LastBumped, &t.Pinned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan thread: %w", err)
	}
	t.Images, t.Thumbs = decodeList(images), decodeList(thumbs)
	return &t, nil
}

func scanReply(row rowScanner) (*models.Reply, error) {
	var r models.Reply
	var images, thumbs string
	err := row.Scan(&r.ID, &r.ThreadID, &r.Identity, &r.Name, &r.Content, &r.Embed, &images, &thumbs, &r.PostDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan reply: %w", err)
	}
	r.Images, r.Thumbs = decodeList(images), decodeList(thumbs)
	return &r, nil
}

func encodeMedia(media []models.MediaAsset) (string, string, error) {
	images, err := encodeList(lo.Map(media, func(m models.MediaAsset, _ int) string { return m.Original }))
	if err != nil {
		return "", "", fmt.Errorf("failed to encode media list: %w", err)
	}
	thumbs, err := encodeList(lo.Map(media, func(m models.MediaAsset, _ int) string { return m.Thumbnail }))
	if err != nil {
		return "", "", fmt.Errorf("failed to encode thumbnail list: %w", err)
	}
	return images, thumbs, nil
}
