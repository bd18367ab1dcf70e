// yib/handlers/handlers.go

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"yib/backlinks"
	"yib/config"
	"yib/database"
	"yib/models"
	"yib/moderation"
	"yib/posting"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
)

// App is an interface that defines the dependencies our handlers need.
type App interface {
	DB() *database.DatabaseService
	Posts() *posting.Service
	Restrictions() *moderation.Store
	RateLimiter() *models.RateLimiter
	Challenges() *models.ChallengeStore
	Logger() *slog.Logger
	StaticDir() string
	BackupDir() string
}

// respondJSON sends a JSON response with a given status code.
func respondJSON(w http.ResponseWriter, status int, payload interface{}, app App) {
	response, err := json.Marshal(payload)
	if err != nil {
		app.Logger().Error("Failed to marshal JSON payload", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		if _, werr := w.Write([]byte(`{"error":"Failed to marshal JSON response"}`)); werr != nil {
			app.Logger().Error("Failed to write internal server error response", "error", werr)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		app.Logger().Error("Failed to write JSON response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string, app App) {
	respondJSON(w, status, map[string]string{"error": msg}, app)
}

// statusFor maps a refused submission to an HTTP status.
func statusFor(err error) int {
	var pe *posting.Error
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError
	}
	switch pe.Kind {
	case posting.KindRestriction:
		return http.StatusForbidden
	case posting.KindValidation:
		return http.StatusBadRequest
	case posting.KindResource:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func MakeHandler(app App, fn func(http.ResponseWriter, *http.Request, App)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, app)
	}
}

func cookieID(r *http.Request) string {
	id, _ := r.Context().Value(UserCookieKey).(string)
	return id
}

// HandleNewChallenge issues a CAPTCHA question bound to the visitor's cookie.
func HandleNewChallenge(w http.ResponseWriter, r *http.Request, app App) {
	session := cookieID(r)
	if session == "" {
		respondError(w, http.StatusBadRequest, "Missing session cookie.", app)
		return
	}
	question := app.Challenges().GenerateChallenge(session)
	respondJSON(w, http.StatusOK, map[string]string{"question": question}, app)
}

// ThreadView is a thread with its replies, as served by the page API.
type ThreadView struct {
	models.Thread
	Replies []models.Reply `json:"replies"`
}

// BoardPage is one page of a board index.
type BoardPage struct {
	Board      *models.Board     `json:"board"`
	Page       int               `json:"page"`
	TotalPages int               `json:"total_pages"`
	Pinned     []ThreadView      `json:"pinned"`
	Threads    []ThreadView      `json:"threads"`
	Backlinks  map[int64][]int64 `json:"backlinks"`
}

// HandleBoardPage serves the pinned threads and one page of bumped threads of
// a board, with replies and the backlink index for everything shown.
func HandleBoardPage(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleBoardPage")
	boardURI := chi.URLParam(r, "board")
	board, err := app.DB().GetBoard(boardURI)
	if errors.Is(err, database.ErrBoardNotFound) {
		respondError(w, http.StatusNotFound, "Board not found.", app)
		return
	}
	if err != nil {
		logger.Error("Failed to load board", "board", boardURI, "error", err)
		respondError(w, http.StatusInternalServerError, "Database error.", app)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("p"))
	if page < 1 {
		page = 1
	}
	threads, err := app.DB().GetThreadsForBoard(boardURI, page, config.PostsPerPage)
	if err != nil {
		logger.Error("Failed to load threads", "board", boardURI, "page", page, "error", err)
		respondError(w, http.StatusInternalServerError, "Database error.", app)
		return
	}
	pinned, err := app.DB().GetPinnedThreads(boardURI)
	if err != nil {
		logger.Error("Failed to load pinned threads", "board", boardURI, "error", err)
		respondError(w, http.StatusInternalServerError, "Database error.", app)
		return
	}
	total, err := app.DB().GetThreadCount(boardURI, false)
	if err != nil {
		logger.Error("Failed to count threads", "board", boardURI, "error", err)
	}

	ids := lo.Map(append(append([]models.Thread{}, pinned...), threads...), func(t models.Thread, _ int) int64 { return t.ID })
	replies, err := app.DB().GetRepliesForThreads(ids)
	if err != nil {
		logger.Error("Failed to load replies", "board", boardURI, "error", err)
		respondError(w, http.StatusInternalServerError, "Database error.", app)
		return
	}

	pinnedViews, threadViews := buildViews(pinned, replies), buildViews(threads, replies)
	respondJSON(w, http.StatusOK, BoardPage{
		Board:      board,
		Page:       page,
		TotalPages: int(math.Max(1, math.Ceil(float64(total)/float64(config.PostsPerPage)))),
		Pinned:     pinnedViews,
		Threads:    threadViews,
		Backlinks:  backlinks.Index(threadItems(threads), threadItems(pinned), replyItems(replies)),
	}, app)
}

// HandleThread serves a single thread with all replies and backlinks.
func HandleThread(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleThread")
	threadID, err := strconv.ParseInt(chi.URLParam(r, "threadID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid thread ID.", app)
		return
	}
	thread, err := app.DB().GetThread(threadID)
	if errors.Is(err, database.ErrThreadNotFound) || (err == nil && thread.BoardURI != chi.URLParam(r, "board")) {
		respondError(w, http.StatusNotFound, "Thread not found.", app)
		return
	}
	if err != nil {
		logger.Error("Failed to load thread", "thread_id", threadID, "error", err)
		respondError(w, http.StatusInternalServerError, "Database error.", app)
		return
	}
	replies, err := app.DB().GetRepliesForThreads([]int64{threadID})
	if err != nil {
		logger.Error("Failed to load replies", "thread_id", threadID, "error", err)
		respondError(w, http.StatusInternalServerError, "Database error.", app)
		return
	}
	threads := []models.Thread{*thread}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"thread":    buildViews(threads, replies)[0],
		"backlinks": backlinks.Index(threadItems(threads), replyItems(replies)),
	}, app)
}

func buildViews(threads []models.Thread, replies map[int64][]models.Reply) []ThreadView {
	return lo.Map(threads, func(t models.Thread, _ int) ThreadView {
		rs := replies[t.ID]
		if rs == nil {
			rs = []models.Reply{}
		}
		return ThreadView{Thread: t, Replies: rs}
	})
}

// threadItems scans rendered content, falling back to the raw text for rows
// that were never rendered.
func threadItems(threads []models.Thread) []backlinks.Item {
	return lo.Map(threads, func(t models.Thread, _ int) backlinks.Item {
		if t.Content == "" && t.RawContent != "" {
			return backlinks.Item{ID: t.ID, Kind: backlinks.KindRaw, Content: t.RawContent}
		}
		return backlinks.Item{ID: t.ID, Kind: backlinks.KindRendered, Content: t.Content}
	})
}

func replyItems(replies map[int64][]models.Reply) []backlinks.Item {
	var items []backlinks.Item
	for _, rs := range replies {
		for _, rp := range rs {
			items = append(items, backlinks.Item{ID: rp.ID, Kind: backlinks.KindRendered, Content: rp.Content})
		}
	}
	return items
}
