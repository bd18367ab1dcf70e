// Package media stores uploaded files under the static root and builds
// their thumbnails, optionally mirroring both to object storage.
package media

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"yib/config"
	"yib/models"
	"yib/utils"

	"github.com/minio/sha256-simd"
)

// Bucket is the folder uploads of one post kind are stored in.
type Bucket string

const (
	ThreadBucket Bucket = config.ThreadMediaFolder
	ReplyBucket  Bucket = config.ReplyMediaFolder
)

// Family groups extensions that share a thumbnail strategy.
type Family string

const (
	FamilyStatic   Family = "static"
	FamilyAnimated Family = "animated"
	FamilyVideo    Family = "video"
	FamilyAudio    Family = "audio"
)

var extensionFamilies = map[string]Family{
	".jpeg": FamilyStatic,
	".jpg":  FamilyStatic,
	".png":  FamilyStatic,
	".webp": FamilyStatic,
	".gif":  FamilyAnimated,
	".mp4":  FamilyVideo,
	".webm": FamilyVideo,
	".mov":  FamilyVideo,
	".mp3":  FamilyAudio,
}

// thumbExtensions lists the extensions whose thumbnails are PNG; every other one gets .jpg.
var thumbExtensions = map[string]string{
	".png":  ".png",
	".webp": ".png",
	".gif":  ".png",
}

var ErrUnsupportedType = errors.New("file type not allowed")

// Upload is one file received from a client.
type Upload struct {
	Filename string
	Data     []byte
}

// FileError records why a single upload was dropped from a batch.
type FileError struct {
	Filename string
	Err      error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Filename, e.Err)
}

func (e FileError) Unwrap() error { return e.Err }

// Batch is the outcome of processing one submission's uploads.
type Batch struct {
	Assets []models.MediaAsset
	Errors []FileError
}

// Messages renders the per-file errors for display.
func (b *Batch) Messages() []string {
	msgs := make([]string, 0, len(b.Errors))
	for _, e := range b.Errors {
		msgs = append(msgs, e.Error())
	}
	return msgs
}

// Mirror receives copies of stored files. *utils.S3Storage satisfies it.
type Mirror interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Remove(ctx context.Context, key string) error
}

// Options configures a Pipeline.
type Options struct {
	StaticDir string
	FFmpeg    string
	Mirror    Mirror
	Clock     utils.Clock
	Logger    *slog.Logger
}

// Pipeline ingests and removes media files.
type Pipeline struct {
	storage      *utils.LocalStorage
	mirror       Mirror
	ffmpeg       string
	clock        utils.Clock
	logger       *slog.Logger
	thumbnailers map[Family]thumbnailer
}

// NewPipeline creates a pipeline rooted at opts.StaticDir.
func NewPipeline(opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = utils.RealClock{}
	}
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}
	return &Pipeline{
		storage: &utils.LocalStorage{Root: opts.StaticDir},
		mirror:  opts.Mirror,
		ffmpeg:  opts.FFmpeg,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "media"),
		thumbnailers: map[Family]thumbnailer{
			FamilyStatic:   staticThumbnail,
			FamilyAnimated: animatedThumbnail,
			FamilyVideo:    videoThumbnail,
			FamilyAudio:    audioThumbnail,
		},
	}
}

// Process stores every acceptable upload in bucket and thumbnails it. Files
// that are rejected or fail are recorded in the batch; the rest continue.
func (p *Pipeline) Process(ctx context.Context, bucket Bucket, uploads []Upload) (*Batch, error) {
	batch := &Batch{Assets: []models.MediaAsset{}}
	for _, upload := range uploads {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		if upload.Filename == "" {
			continue
		}
		asset, err := p.processOne(ctx, bucket, upload)
		if err != nil {
			p.logger.Warn("Upload dropped", "filename", upload.Filename, "bucket", string(bucket), "error", err)
			batch.Errors = append(batch.Errors, FileError{Filename: upload.Filename, Err: err})
			continue
		}
		batch.Assets = append(batch.Assets, asset)
	}
	return batch, nil
}

func (p *Pipeline) processOne(ctx context.Context, bucket Bucket, upload Upload) (models.MediaAsset, error) {
	ext := strings.ToLower(filepath.Ext(upload.Filename))
	family, ok := extensionFamilies[ext]
	if !ok {
		return models.MediaAsset{}, fmt.Errorf("%w: '%s'", ErrUnsupportedType, ext)
	}
	if len(upload.Data) == 0 {
		return models.MediaAsset{}, fmt.Errorf("file is empty")
	}
	if len(upload.Data) > config.MaxFileSize {
		return models.MediaAsset{}, fmt.Errorf("file is larger than the %dMB limit", config.MaxFileSize/1024/1024)
	}

	base := p.uniqueBase(bucket, ext)
	name := base + ext
	originalRel := path.Join(string(bucket), name)
	if err := p.storage.SaveFile(originalRel, upload.Data); err != nil {
		return models.MediaAsset{}, fmt.Errorf("could not save file: %w", err)
	}

	thumbExt, ok := thumbExtensions[ext]
	if !ok {
		thumbExt = ".jpg"
	}
	j := &job{
		data:        upload.Data,
		originalRel: originalRel,
		thumbRel:    path.Join(string(bucket), config.ThumbFolder, "thumb_"+base+thumbExt),
	}
	if err := p.thumbnailers[family](ctx, p, j); err != nil {
		if rmErr := p.storage.DeleteFile(originalRel); rmErr != nil {
			p.logger.Error("Failed to remove original after thumbnail failure", "path", originalRel, "error", rmErr)
		}
		if rmErr := p.storage.DeleteFile(j.thumbRel); rmErr != nil {
			p.logger.Error("Failed to remove partial thumbnail", "path", j.thumbRel, "error", rmErr)
		}
		return models.MediaAsset{}, fmt.Errorf("thumbnail failed: %w", err)
	}

	digest := sha256.Sum256(upload.Data)
	asset := models.MediaAsset{
		Original:  name,
		Thumbnail: j.thumbRel,
		Family:    string(family),
		Digest:    hex.EncodeToString(digest[:]),
	}
	p.mirrorFiles(ctx, originalRel, upload.Data, j.thumbRel)
	p.logger.Info("Media stored", "original", originalRel, "thumbnail", j.thumbRel, "family", string(family))
	return asset, nil
}

// uniqueBase returns "{unix-ms}_{4 random [a-z0-9]}", retrying on the rare collision.
func (p *Pipeline) uniqueBase(bucket Bucket, ext string) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	var base string
	for attempt := 0; attempt < 10; attempt++ {
		suffix := make([]byte, 4)
		for i := range suffix {
			suffix[i] = alphabet[mrand.Intn(len(alphabet))]
		}
		base = fmt.Sprintf("%d_%s", p.clock.Now().UnixMilli(), suffix)
		if !p.storage.Exists(path.Join(string(bucket), base+ext)) {
			break
		}
	}
	return base
}

func (p *Pipeline) mirrorFiles(ctx context.Context, originalRel string, data []byte, thumbRel string) {
	if p.mirror == nil {
		return
	}
	if err := p.mirror.Put(ctx, originalRel, data, contentType(originalRel)); err != nil {
		p.logger.Error("Failed to mirror original", "key", originalRel, "error", err)
	}
	thumbPath, err := p.storage.Resolve(thumbRel)
	if err != nil {
		return
	}
	thumbData, err := os.ReadFile(thumbPath)
	if err != nil {
		p.logger.Error("Failed to read thumbnail for mirroring", "key", thumbRel, "error", err)
		return
	}
	if err := p.mirror.Put(ctx, thumbRel, thumbData, contentType(thumbRel)); err != nil {
		p.logger.Error("Failed to mirror thumbnail", "key", thumbRel, "error", err)
	}
}

// Remove deletes an original (a bare filename inside bucket) and its thumbnail
// (relative to the static root). Paths that leave the bucket are refused.
func (p *Pipeline) Remove(ctx context.Context, bucket Bucket, original, thumbnail string) error {
	var errs []error
	if original != "" {
		rel := path.Join(string(bucket), original)
		if !insideBucket(bucket, rel) || path.Base(original) != original {
			errs = append(errs, fmt.Errorf("%w: %s", utils.ErrUnsafePath, original))
		} else {
			errs = append(errs, p.removeFile(ctx, rel))
		}
	}
	if thumbnail != "" {
		rel := path.Clean(thumbnail)
		if !insideBucket(bucket, rel) {
			errs = append(errs, fmt.Errorf("%w: %s", utils.ErrUnsafePath, thumbnail))
		} else {
			errs = append(errs, p.removeFile(ctx, rel))
		}
	}
	return errors.Join(errs...)
}

// RemoveDeleted removes every file listed in deleted, logging failures.
func (p *Pipeline) RemoveDeleted(ctx context.Context, deleted models.DeletedMedia) {
	for _, a := range deleted.ThreadFiles {
		if err := p.Remove(ctx, ThreadBucket, a.Original, a.Thumbnail); err != nil {
			p.logger.Error("Failed to remove thread media", "original", a.Original, "error", err)
		}
	}
	for _, a := range deleted.ReplyFiles {
		if err := p.Remove(ctx, ReplyBucket, a.Original, a.Thumbnail); err != nil {
			p.logger.Error("Failed to remove reply media", "original", a.Original, "error", err)
		}
	}
}

func (p *Pipeline) removeFile(ctx context.Context, rel string) error {
	if err := p.storage.DeleteFile(rel); err != nil {
		return err
	}
	if p.mirror != nil {
		if err := p.mirror.Remove(ctx, rel); err != nil {
			p.logger.Error("Failed to remove mirrored object", "key", rel, "error", err)
		}
	}
	return nil
}

func insideBucket(bucket Bucket, rel string) bool {
	clean := path.Clean(rel)
	return strings.HasPrefix(clean, string(bucket)+"/") && !strings.Contains(clean, "..")
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
