// Package posting accepts new threads and replies.
//
// Submit runs a fixed sequence of gates and stops at the first that refuses:
// board, ban, timeout, content validation, parent thread, CAPTCHA, media,
// emptiness, persistence. After the write it publishes an event and starts
// the poster's cooldown; failures there are logged and never undo the post.
package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
	"yib/backlinks"
	"yib/config"
	"yib/database"
	"yib/media"
	"yib/models"
	"yib/moderation"
	"yib/notify"
	"yib/utils"
)

// ModeReply selects an explicit reply to Submission.ThreadID.
const ModeReply = "reply"

const (
	systemModerator = "system"
	cooldownReason  = "Automatic timeout after posting."
)

var htmlTagRe = regexp.MustCompile(`(?i)<\s*/?\s*[a-z!][^>]*>`)

// Store is the post persistence Submit and the moderation actions need.
type Store interface {
	GetBoard(boardURI string) (*models.Board, error)
	GetThread(threadID int64) (*models.Thread, error)
	GetThreadIDForPost(postID int64) (int64, error)
	GetAuthorIdentity(postID int64) (string, error)
	CreateThread(in models.ThreadInput) (int64, error)
	CreateReply(threadID int64, in models.ReplyInput) (int64, error)
	DeleteThread(threadID int64) (models.DeletedMedia, error)
	DeleteReply(replyID int64) (models.DeletedMedia, error)
	DeleteBoard(boardURI string) (models.DeletedMedia, error)
	ToggleLock(threadID int64) (bool, error)
	TogglePin(threadID int64, boardURI string) (bool, error)
}

// Restrictions answers and applies bans and timeouts.
type Restrictions interface {
	IsBanned(identity string) (moderation.BanStatus, error)
	CheckTimeout(identity string) (moderation.TimeoutStatus, error)
	ApplyBan(identity string, duration time.Duration, reason, moderator string) error
	ApplyTimeout(identity string, duration time.Duration, reason, moderator string) error
}

// MediaProcessor stores uploads and removes files of deleted posts.
type MediaProcessor interface {
	Process(ctx context.Context, bucket media.Bucket, uploads []media.Upload) (*media.Batch, error)
	RemoveDeleted(ctx context.Context, deleted models.DeletedMedia)
}

// Options holds the tunables of a Service.
type Options struct {
	// TimeoutAfterPost is the cooldown applied after each accepted post.
	TimeoutAfterPost time.Duration
	// Passcode, when sent as the embed, skips the cooldown.
	Passcode string
	Clock    utils.Clock
}

// Submission is one inbound post or reply.
type Submission struct {
	Identity        string
	BoardURI        string
	Mode            string
	ThreadID        string
	Name            string
	Content         string
	Embed           string
	CaptchaResponse string
	// CaptchaExpected is the answer issued to this session, empty if none.
	CaptchaExpected string
	Files           []media.Upload
}

// Result describes an accepted submission.
type Result struct {
	ID       int64
	ThreadID int64
	IsReply  bool
	Warnings []string
}

// Service runs submissions and post moderation.
type Service struct {
	store     Store
	restrict  Restrictions
	media     MediaProcessor
	publisher notify.Publisher
	opts      Options
	logger    *slog.Logger
}

// New creates a Service. A nil publisher drops events.
func New(store Store, restrict Restrictions, mp MediaProcessor, publisher notify.Publisher, opts Options, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = utils.RealClock{}
	}
	if opts.Passcode == "" {
		opts.Passcode = config.DefaultPasscode
	}
	return &Service{
		store:     store,
		restrict:  restrict,
		media:     mp,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With("component", "posting"),
	}
}

// target is a resolved submission: either a new thread or a reply to threadID.
type target struct {
	reply    bool
	threadID int64
	content  string
}

// Submit accepts a new thread or reply.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Result, error) {
	logger := s.logger.With("identity", sub.Identity, "board", sub.BoardURI)
	content := strings.TrimSpace(sub.Content)
	name := strings.TrimSpace(sub.Name)
	embed := strings.TrimSpace(sub.Embed)
	result := &Result{}

	board, err := s.checkBoard(sub.BoardURI)
	if err != nil {
		return nil, err
	}
	if err := s.checkRestrictions(sub.Identity, logger); err != nil {
		return nil, err
	}
	if err := validateText(name, content); err != nil {
		return nil, err
	}

	tgt, err := s.resolveTarget(sub, content, result, logger)
	if err != nil {
		return nil, err
	}
	if tgt.reply {
		if err := s.checkParent(tgt.threadID, board.URI); err != nil {
			return nil, err
		}
	}
	if board.CaptchaRequired {
		if err := checkCaptcha(sub.CaptchaResponse, sub.CaptchaExpected); err != nil {
			logger.Info("CAPTCHA rejected")
			return nil, err
		}
	}

	bucket := media.ThreadBucket
	if tgt.reply {
		bucket = media.ReplyBucket
	}
	batch, err := s.media.Process(ctx, bucket, sub.Files)
	if err != nil {
		return nil, &Error{Kind: KindResource, Message: "Could not process uploaded files.", Err: err}
	}
	result.Warnings = append(result.Warnings, batch.Messages()...)

	if err := checkNotEmpty(tgt, batch); err != nil {
		return nil, err
	}

	display, trip := utils.GenerateTripcode(name)
	if display == "" && trip == "" {
		display = config.DefaultName
	}
	author := utils.FormatName(display, trip)
	rendered := backlinks.Render(tgt.content)
	storedEmbed := embed
	if embed == s.opts.Passcode {
		storedEmbed = ""
	}

	if tgt.reply {
		id, err := s.store.CreateReply(tgt.threadID, models.ReplyInput{
			Identity: sub.Identity,
			Name:     author,
			Content:  rendered,
			Embed:    storedEmbed,
			Media:    batch.Assets,
		})
		if err != nil {
			return nil, persistFailure(err, logger)
		}
		result.ID, result.ThreadID, result.IsReply = id, tgt.threadID, true
	} else {
		id, err := s.store.CreateThread(models.ThreadInput{
			BoardURI:   board.URI,
			Identity:   sub.Identity,
			Name:       author,
			RawContent: tgt.content,
			Content:    rendered,
			Embed:      storedEmbed,
			Media:      batch.Assets,
		})
		if err != nil {
			return nil, persistFailure(err, logger)
		}
		result.ID, result.ThreadID = id, id
	}
	logger.Info("Post accepted", "post_id", result.ID, "thread_id", result.ThreadID, "reply", result.IsReply, "files", len(batch.Assets))

	s.publish(ctx, board.URI, bucket, result, author, rendered, batch.Assets, logger)

	if embed == s.opts.Passcode {
		logger.Info("Cooldown skipped by passcode", "post_id", result.ID)
	} else if err := s.restrict.ApplyTimeout(sub.Identity, s.opts.TimeoutAfterPost, cooldownReason, systemModerator); err != nil {
		logger.Error("Failed to apply cooldown", "post_id", result.ID, "error", err)
	}
	return result, nil
}

func (s *Service) checkBoard(boardURI string) (*models.Board, error) {
	if boardURI == "" {
		return nil, invalid("Board ID is missing.")
	}
	board, err := s.store.GetBoard(boardURI)
	if errors.Is(err, database.ErrBoardNotFound) {
		return nil, invalid(fmt.Sprintf("Board '/%s/' does not exist.", boardURI))
	}
	if err != nil {
		return nil, persistence("Could not load board.", err)
	}
	return board, nil
}

func (s *Service) checkRestrictions(identity string, logger *slog.Logger) error {
	ban, err := s.restrict.IsBanned(identity)
	if err != nil {
		return persistence("An error occurred while checking ban status.", err)
	}
	if ban.Banned {
		logger.Info("Banned identity attempted to post")
		return restriction(banMessage(ban))
	}
	timeout, err := s.restrict.CheckTimeout(identity)
	if err != nil {
		return persistence("An error occurred while checking posting timeout.", err)
	}
	if timeout.Active {
		logger.Info("Timed-out identity attempted to post", "expires_at", timeout.ExpiresAt)
		return restriction("Please wait a few seconds before posting again.")
	}
	return nil
}

func banMessage(ban moderation.BanStatus) string {
	reason := ban.Reason
	if reason == "" {
		reason = "No reason provided."
	}
	if ban.Permanent {
		return fmt.Sprintf("You are banned. Reason: %s This ban is permanent.", reason)
	}
	return fmt.Sprintf("You are banned. Reason: %s Expires: %s UTC.", reason, ban.ExpiresAt.UTC().Format("2006-01-02 15:04:05"))
}

func validateText(name, content string) error {
	if utf8.RuneCountInString(content) > config.MaxCommentLen {
		return invalid(fmt.Sprintf("Your comment is too long (max %d characters).", config.MaxCommentLen))
	}
	if utf8.RuneCountInString(name) > config.MaxNameLen {
		return invalid(fmt.Sprintf("Your name is too long (max %d characters).", config.MaxNameLen))
	}
	if htmlTagRe.MatchString(content) || htmlTagRe.MatchString(name) {
		return invalid("HTML tags are not allowed in name or comment.")
	}
	return nil
}

// resolveTarget decides between a new thread and a reply. An explicit reply
// wins; otherwise a leading >>N or #N that names an existing post turns the
// submission into a reply to that post's thread with the marker stripped.
func (s *Service) resolveTarget(sub Submission, content string, result *Result, logger *slog.Logger) (target, error) {
	if sub.Mode == ModeReply && sub.ThreadID != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(sub.ThreadID), 10, 64)
		if err != nil || id <= 0 {
			return target{}, invalid("Invalid thread ID provided for reply.")
		}
		return target{reply: true, threadID: id, content: content}, nil
	}

	postID, rest, ok := backlinks.LeadingReference(content)
	if !ok {
		return target{content: content}, nil
	}
	threadID, err := s.store.GetThreadIDForPost(postID)
	if errors.Is(err, database.ErrPostNotFound) {
		marker := strings.TrimSuffix(content, rest)
		marker = strings.TrimSpace(marker)
		logger.Warn("Implicit reply target not found", "post_id", postID)
		result.Warnings = append(result.Warnings, fmt.Sprintf("Cannot reply to post '%s' as it doesn't exist.", marker))
		return target{content: content}, nil
	}
	if err != nil {
		return target{}, persistence("Could not resolve the referenced post.", err)
	}
	if err := validateText("", rest); err != nil {
		return target{}, err
	}
	logger.Debug("Implicit reply detected", "post_id", postID, "thread_id", threadID)
	return target{reply: true, threadID: threadID, content: rest}, nil
}

func (s *Service) checkParent(threadID int64, boardURI string) error {
	thread, err := s.store.GetThread(threadID)
	if errors.Is(err, database.ErrThreadNotFound) {
		return invalid("This thread doesn't exist!")
	}
	if err != nil {
		return persistence("Could not load thread.", err)
	}
	if thread.BoardURI != boardURI {
		return invalid("This thread doesn't exist!")
	}
	if thread.Locked {
		return invalid("This thread is locked.")
	}
	return nil
}

func checkCaptcha(response, expected string) error {
	response = strings.TrimSpace(response)
	if response == "" {
		return invalid("Captcha is required for this board.")
	}
	if expected == "" {
		return invalid("CAPTCHA session expired. Please refresh.")
	}
	if !strings.EqualFold(response, expected) {
		return invalid("Invalid captcha.")
	}
	return nil
}

func checkNotEmpty(tgt target, batch *media.Batch) error {
	if len(batch.Assets) > 0 {
		return nil
	}
	if !tgt.reply {
		if len(batch.Errors) > 0 {
			return &Error{Kind: KindResource, Message: "None of the uploaded files could be processed: " + strings.Join(batch.Messages(), "; ")}
		}
		return invalid("You must upload at least one file to create a thread.")
	}
	if strings.TrimSpace(tgt.content) == "" {
		return invalid("You need to type something or successfully upload a file for a reply.")
	}
	return nil
}

// persistFailure maps store errors raised by a write. Files already stored
// for the submission are left in place.
func persistFailure(err error, logger *slog.Logger) error {
	switch {
	case errors.Is(err, database.ErrThreadNotFound):
		return invalid("This thread doesn't exist!")
	case errors.Is(err, database.ErrThreadLocked):
		return invalid("This thread is locked.")
	case errors.Is(err, database.ErrBoardNotFound):
		return invalid("Board does not exist.")
	}
	logger.Error("Failed to save post", "error", err)
	return persistence("Failed to save post.", err)
}

func (s *Service) publish(ctx context.Context, boardURI string, bucket media.Bucket, result *Result, author, content string, assets []models.MediaAsset, logger *slog.Logger) {
	files := make([]models.EventFile, 0, len(assets))
	for _, a := range assets {
		files = append(files, models.EventFile{
			Original:  "/static/" + path.Join(string(bucket), a.Original),
			Thumbnail: "/static/" + a.Thumbnail,
			SHA256:    a.Digest,
		})
	}
	event := models.Event{
		Type: models.EventNewThread,
		Post: models.EventPost{
			ID:      result.ID,
			Name:    author,
			Content: content,
			Files:   files,
			Date:    s.opts.Clock.Now(),
			Board:   boardURI,
		},
	}
	if result.IsReply {
		event.Type = models.EventNewReply
		event.Post.ThreadID = result.ThreadID
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.Error("Failed to publish event", "post_id", result.ID, "error", err)
	}
}
