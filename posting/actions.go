package posting

import (
	"context"
	"errors"
	"fmt"
	"time"
	"yib/database"
)

// ErrNotFound is returned by moderation actions on a missing post.
var ErrNotFound = errors.New("post not found")

func notFound(err error) error {
	if errors.Is(err, database.ErrThreadNotFound) || errors.Is(err, database.ErrPostNotFound) || errors.Is(err, database.ErrBoardNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// DeleteThread removes a thread, its replies and pin, then their files.
func (s *Service) DeleteThread(ctx context.Context, threadID int64) error {
	deleted, err := s.store.DeleteThread(threadID)
	if err != nil {
		return notFound(err)
	}
	s.media.RemoveDeleted(ctx, deleted)
	s.logger.Info("Thread deleted", "thread_id", threadID,
		"thread_files", len(deleted.ThreadFiles), "reply_files", len(deleted.ReplyFiles))
	return nil
}

// DeleteReply removes one reply and its files.
func (s *Service) DeleteReply(ctx context.Context, replyID int64) error {
	deleted, err := s.store.DeleteReply(replyID)
	if err != nil {
		return notFound(err)
	}
	s.media.RemoveDeleted(ctx, deleted)
	s.logger.Info("Reply deleted", "reply_id", replyID, "files", len(deleted.ReplyFiles))
	return nil
}

// DeleteBoard removes a board with all of its threads, then their files.
func (s *Service) DeleteBoard(ctx context.Context, boardURI string) error {
	deleted, err := s.store.DeleteBoard(boardURI)
	if err != nil {
		return notFound(err)
	}
	s.media.RemoveDeleted(ctx, deleted)
	s.logger.Info("Board deleted", "board", boardURI,
		"thread_files", len(deleted.ThreadFiles), "reply_files", len(deleted.ReplyFiles))
	return nil
}

// ToggleLock flips a thread's lock and returns the new state.
func (s *Service) ToggleLock(threadID int64) (bool, error) {
	locked, err := s.store.ToggleLock(threadID)
	if err != nil {
		return false, notFound(err)
	}
	s.logger.Info("Thread lock toggled", "thread_id", threadID, "locked", locked)
	return locked, nil
}

// TogglePin flips a thread's pin on boardURI and returns the new state.
func (s *Service) TogglePin(threadID int64, boardURI string) (bool, error) {
	pinned, err := s.store.TogglePin(threadID, boardURI)
	if err != nil {
		return false, notFound(err)
	}
	s.logger.Info("Thread pin toggled", "thread_id", threadID, "board", boardURI, "pinned", pinned)
	return pinned, nil
}

// BanAuthor bans whoever wrote postID and returns their identity. A
// non-positive duration bans permanently.
func (s *Service) BanAuthor(postID int64, duration time.Duration, reason, moderator string) (string, error) {
	identity, err := s.store.GetAuthorIdentity(postID)
	if err != nil {
		return "", notFound(err)
	}
	if err := s.restrict.ApplyBan(identity, duration, reason, moderator); err != nil {
		return "", fmt.Errorf("ban author of %d: %w", postID, err)
	}
	s.logger.Info("Post author banned", "post_id", postID, "moderator", moderator, "duration", duration.String())
	return identity, nil
}
