// yib/handlers/actions.go
package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"yib/config"
	"yib/media"
	"yib/posting"
	"yib/utils"
)

// HandlePost is the main handler for creating new threads and replies.
func HandlePost(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandlePost")

	if err := r.ParseMultipartForm(config.MaxFileSize + 1024); err != nil {
		logger.Warn("Form parsing error", "error", err)
		respondError(w, http.StatusBadRequest, "Form parsing error: "+err.Error(), app)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			logger.Error("Failed to remove multipart temp files", "error", err)
		}
	}()

	ip := utils.GetIPAddress(r)
	if !app.RateLimiter().Allow(ip) {
		logger.Warn("Rate limit exceeded", "ip", ip)
		respondError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please wait a moment.", app)
		return
	}

	uploads, err := readUploads(r.MultipartForm.File["fileInput"])
	if err != nil {
		logger.Warn("Could not read uploaded files", "ip", ip, "error", err)
		respondError(w, http.StatusBadRequest, "Could not read uploaded files.", app)
		return
	}

	captcha := r.FormValue("captcha")
	var expected string
	if captcha != "" {
		expected = app.Challenges().Take(cookieID(r))
	}

	boardURI := r.FormValue("board_id")
	result, err := app.Posts().Submit(r.Context(), posting.Submission{
		Identity:        ip,
		BoardURI:        boardURI,
		Mode:            r.FormValue("post_mode"),
		ThreadID:        r.FormValue("thread_id"),
		Name:            r.FormValue("name"),
		Content:         r.FormValue("text"),
		Embed:           r.FormValue("embed"),
		CaptchaResponse: captcha,
		CaptchaExpected: expected,
		Files:           uploads,
	})
	if err != nil {
		status := statusFor(err)
		msg, kind := "Failed to save post.", posting.KindPersistence
		var pe *posting.Error
		if errors.As(err, &pe) {
			msg, kind = pe.Message, pe.Kind
		}
		if status == http.StatusInternalServerError {
			logger.Error("Post failed", "ip", ip, "board", boardURI, "error", err)
		} else {
			logger.Info("Post refused", "ip", ip, "board", boardURI, "error", err)
		}
		respondJSON(w, status, map[string]string{"error": msg, "kind": string(kind)}, app)
		return
	}

	warnings := result.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":        result.ID,
		"thread_id": result.ThreadID,
		"reply":     result.IsReply,
		"redirect":  fmt.Sprintf("/%s/thread/%d#p%d", boardURI, result.ThreadID, result.ID),
		"warnings":  warnings,
	}, app)
}

// readUploads loads each file part, reading one byte past the size limit so
// the pipeline can reject oversized files by name.
func readUploads(headers []*multipart.FileHeader) ([]media.Upload, error) {
	uploads := make([]media.Upload, 0, len(headers))
	for _, fh := range headers {
		if fh.Filename == "" {
			continue
		}
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(io.LimitReader(f, config.MaxFileSize+1))
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		uploads = append(uploads, media.Upload{Filename: fh.Filename, Data: data})
	}
	return uploads, nil
}
