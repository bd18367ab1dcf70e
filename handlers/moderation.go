// yib/handlers/moderation.go
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"yib/config"
	"yib/models"
	"yib/posting"
	"yib/utils"

	"github.com/samber/lo"
)

var (
	boardURIRe     = regexp.MustCompile(`^[a-z0-9]{1,10}$`)
	reservedBoards = map[string]bool{"mod": true, "static": true, "post": true, "api": true}
)

type banView struct {
	models.Ban
	ExpiresAt *time.Time `json:"expires_at"`
}

func parseID(w http.ResponseWriter, r *http.Request, app App, field string) (int64, bool) {
	id, err := strconv.ParseInt(r.FormValue(field), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "Invalid "+strings.ReplaceAll(field, "_", " ")+".", app)
		return 0, false
	}
	return id, true
}

// parseHours reads a duration in hours; zero or absent means permanent.
// Values above config.MaxBanHours are rejected.
func parseHours(r *http.Request) (time.Duration, error) {
	raw := r.FormValue("duration")
	if raw == "" {
		return 0, nil
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours < 0 || hours > config.MaxBanHours {
		return 0, errors.New("invalid duration")
	}
	return time.Duration(hours) * time.Hour, nil
}

func respondModError(w http.ResponseWriter, app App, logger *slog.Logger, action string, err error) {
	if errors.Is(err, posting.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Not found.", app)
		return
	}
	logger.Error("Moderation action failed", "action", action, "error", err)
	respondError(w, http.StatusInternalServerError, "Database error.", app)
}

func HandleBan(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleBan")
	identity := strings.TrimSpace(r.FormValue("identity"))
	reason := r.FormValue("reason")
	if identity == "" {
		respondError(w, http.StatusBadRequest, "No identity provided to ban.", app)
		return
	}
	if reason == "" {
		respondError(w, http.StatusBadRequest, "A ban reason is required.", app)
		return
	}
	duration, err := parseHours(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ban duration.", app)
		return
	}
	moderator := utils.GetIPAddress(r)
	if err := app.Restrictions().ApplyBan(identity, duration, reason, moderator); err != nil {
		respondModError(w, app, logger, "ban", err)
		return
	}
	logger.Info("Ban applied", "identity", identity, "reason", reason, "duration", duration.String(), "moderator", moderator)
	respondJSON(w, http.StatusOK, map[string]string{"success": "Ban successfully applied."}, app)
}

func HandleRemoveBan(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleRemoveBan")
	identity := strings.TrimSpace(r.FormValue("identity"))
	if identity == "" {
		respondError(w, http.StatusBadRequest, "No identity provided.", app)
		return
	}
	if err := app.Restrictions().LiftBan(identity); err != nil {
		respondModError(w, app, logger, "unban", err)
		return
	}
	logger.Info("Ban lifted", "identity", identity)
	respondJSON(w, http.StatusOK, map[string]string{"success": "Ban removed."}, app)
}

func HandleTimeout(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleTimeout")
	identity := strings.TrimSpace(r.FormValue("identity"))
	seconds, err := strconv.Atoi(r.FormValue("seconds"))
	if identity == "" || err != nil || seconds <= 0 || seconds > config.MaxTimeoutSeconds {
		respondError(w, http.StatusBadRequest, "An identity and a positive number of seconds are required.", app)
		return
	}
	moderator := utils.GetIPAddress(r)
	if err := app.Restrictions().ApplyTimeout(identity, time.Duration(seconds)*time.Second, r.FormValue("reason"), moderator); err != nil {
		respondModError(w, app, logger, "timeout", err)
		return
	}
	logger.Info("Timeout applied", "identity", identity, "seconds", seconds, "moderator", moderator)
	respondJSON(w, http.StatusOK, map[string]string{"success": "Timeout applied."}, app)
}

func HandleRemoveTimeout(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleRemoveTimeout")
	identity := strings.TrimSpace(r.FormValue("identity"))
	if identity == "" {
		respondError(w, http.StatusBadRequest, "No identity provided.", app)
		return
	}
	if err := app.Restrictions().LiftTimeout(identity); err != nil {
		respondModError(w, app, logger, "untimeout", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"success": "Timeout removed."}, app)
}

// HandleBanList lists active bans and timeouts. Expired rows are purged on the way.
func HandleBanList(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleBanList")
	bans, err := app.Restrictions().ListActiveBans()
	if err != nil {
		respondModError(w, app, logger, "list bans", err)
		return
	}
	timeouts, err := app.Restrictions().ListActiveTimeouts()
	if err != nil {
		respondModError(w, app, logger, "list timeouts", err)
		return
	}
	views := lo.Map(bans, func(b models.Ban, _ int) banView {
		v := banView{Ban: b}
		if b.ExpiresAt.Valid {
			t := b.ExpiresAt.Time
			v.ExpiresAt = &t
		}
		return v
	})
	if timeouts == nil {
		timeouts = []models.Timeout{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"bans": views, "timeouts": timeouts}, app)
}

func HandleToggleLock(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleToggleLock")
	threadID, ok := parseID(w, r, app, "thread_id")
	if !ok {
		return
	}
	locked, err := app.Posts().ToggleLock(threadID)
	if err != nil {
		respondModError(w, app, logger, "toggle lock", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"locked": locked}, app)
}

func HandleTogglePin(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleTogglePin")
	threadID, ok := parseID(w, r, app, "thread_id")
	if !ok {
		return
	}
	pinned, err := app.Posts().TogglePin(threadID, r.FormValue("board_id"))
	if err != nil {
		respondModError(w, app, logger, "toggle pin", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"pinned": pinned}, app)
}

func HandleDeleteThread(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleDeleteThread")
	threadID, ok := parseID(w, r, app, "thread_id")
	if !ok {
		return
	}
	if err := app.Posts().DeleteThread(r.Context(), threadID); err != nil {
		respondModError(w, app, logger, "delete thread", err)
		return
	}
	logger.Info("Thread deleted by moderator", "thread_id", threadID)
	respondJSON(w, http.StatusOK, map[string]string{"success": "Thread deleted successfully."}, app)
}

func HandleDeleteReply(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleDeleteReply")
	replyID, ok := parseID(w, r, app, "reply_id")
	if !ok {
		return
	}
	if err := app.Posts().DeleteReply(r.Context(), replyID); err != nil {
		respondModError(w, app, logger, "delete reply", err)
		return
	}
	logger.Info("Reply deleted by moderator", "reply_id", replyID)
	respondJSON(w, http.StatusOK, map[string]string{"success": "Reply deleted successfully."}, app)
}

// HandleBanPost bans the author of a post without exposing their identity.
func HandleBanPost(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleBanPost")
	postID, ok := parseID(w, r, app, "post_id")
	if !ok {
		return
	}
	reason := r.FormValue("reason")
	if reason == "" {
		respondError(w, http.StatusBadRequest, "A ban reason is required.", app)
		return
	}
	duration, err := parseHours(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ban duration.", app)
		return
	}
	if _, err := app.Posts().BanAuthor(postID, duration, reason, utils.GetIPAddress(r)); err != nil {
		respondModError(w, app, logger, "ban post", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"success": "Author banned."}, app)
}

func HandleCreateBoard(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleCreateBoard")
	uri := strings.ToLower(strings.TrimSpace(r.FormValue("uri")))
	if reservedBoards[uri] || !boardURIRe.MatchString(uri) {
		respondError(w, http.StatusBadRequest, "Invalid or reserved board URI.", app)
		return
	}
	board := models.Board{
		URI:             uri,
		Name:            r.FormValue("name"),
		Description:     r.FormValue("description"),
		Owner:           utils.GetIPAddress(r),
		CaptchaRequired: r.FormValue("captcha_required") == "on",
	}
	if err := app.DB().CreateBoard(board); err != nil {
		logger.Error("Failed to create board", "board", uri, "error", err)
		respondError(w, http.StatusConflict, "Failed to create board.", app)
		return
	}
	logger.Info("Board created by moderator", "board", uri, "name", board.Name)
	respondJSON(w, http.StatusCreated, board, app)
}

func HandleDeleteBoard(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleDeleteBoard")
	uri := r.FormValue("board_id")
	if err := app.Posts().DeleteBoard(r.Context(), uri); err != nil {
		respondModError(w, app, logger, "delete board", err)
		return
	}
	logger.Info("Board deleted by moderator", "board", uri)
	respondJSON(w, http.StatusOK, map[string]string{"success": "Board deleted."}, app)
}

func HandleDatabaseBackup(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleDatabaseBackup")
	backupPath, err := app.DB().BackupDatabase(app.BackupDir())
	if err != nil {
		logger.Error("Failed to create database backup", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to create database backup.", app)
		return
	}
	logger.Info("Database backup created successfully", "path", backupPath)
	respondJSON(w, http.StatusOK, map[string]string{"path": backupPath}, app)
}
