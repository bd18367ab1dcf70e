// yib/models/models.go
package models

import (
	"database/sql"
	"time"
)

// --- Core Data Models ---

type Board struct {
	URI             string    `json:"uri"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Owner           string    `json:"owner"`
	CaptchaRequired bool      `json:"captcha_required"`
	Created         time.Time `json:"created"`
}

// Thread is an opening post. Images and Thumbs are parallel lists.
type Thread struct {
	ID         int64     `json:"id"`
	BoardURI   string    `json:"board"`
	Identity   string    `json:"-"`
	Name       string    `json:"name"`
	RawContent string    `json:"-"`
	Content    string    `json:"content"`
	Embed      string    `json:"embed,omitempty"`
	Images     []string  `json:"images"`
	Thumbs     []string  `json:"thumbs"`
	Locked     bool      `json:"locked"`
	Visible    bool      `json:"visible"`
	Pinned     bool      `json:"pinned"`
	PostDate   time.Time `json:"post_date"`
	LastBumped time.Time `json:"last_bumped"`
}

type Reply struct {
	ID       int64     `json:"id"`
	ThreadID int64     `json:"thread_id"`
	Identity string    `json:"-"`
	Name     string    `json:"name"`
	Content  string    `json:"content"`
	Embed    string    `json:"embed,omitempty"`
	Images   []string  `json:"images"`
	Thumbs   []string  `json:"thumbs"`
	PostDate time.Time `json:"post_date"`
}

// MediaAsset is one ingested upload: the stored original and its thumbnail.
type MediaAsset struct {
	Original  string `json:"original"`
	Thumbnail string `json:"thumbnail"`
	Family    string `json:"family"`
	Digest    string `json:"digest"`
}

// ThreadInput carries everything needed to persist a new thread.
type ThreadInput struct {
	BoardURI   string
	Identity   string
	Name       string
	RawContent string
	Content    string
	Embed      string
	Media      []MediaAsset
}

// ReplyInput carries everything needed to persist a new reply.
type ReplyInput struct {
	Identity string
	Name     string
	Content  string
	Embed    string
	Media    []MediaAsset
}

// DeletedMedia lists the files referenced by rows that were just deleted,
// grouped by the folder they were stored under.
type DeletedMedia struct {
	ThreadFiles []MediaAsset
	ReplyFiles  []MediaAsset
}

// --- Moderation Models ---

type Ban struct {
	Identity  string       `json:"identity"`
	Reason    string       `json:"reason"`
	Moderator string       `json:"moderator"`
	AppliedAt time.Time    `json:"applied_at"`
	ExpiresAt sql.NullTime `json:"-"`
	Permanent bool         `json:"permanent"`
}

type Timeout struct {
	Identity  string    `json:"identity"`
	Reason    string    `json:"reason"`
	Moderator string    `json:"moderator"`
	AppliedAt time.Time `json:"applied_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// --- Notification Models ---

const (
	EventNewThread = "New Thread"
	EventNewReply  = "New Reply"
)

type Event struct {
	Type string    `json:"type"`
	Post EventPost `json:"post"`
}

type EventPost struct {
	ID       int64       `json:"id"`
	ThreadID int64       `json:"thread_id,omitempty"`
	Name     string      `json:"name"`
	Content  string      `json:"content"`
	Files    []EventFile `json:"files_data"`
	Date     time.Time   `json:"date"`
	Board    string      `json:"board"`
}

type EventFile struct {
	Original  string `json:"original"`
	Thumbnail string `json:"thumbnail"`
	SHA256    string `json:"sha256,omitempty"`
}
