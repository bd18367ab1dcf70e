package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
	"yib/config"
	"yib/models"
	"yib/utils"
)

type memoryMirror struct {
	mu      sync.Mutex
	objects map[string]string
	fail    bool
}

func (m *memoryMirror) Put(_ context.Context, key string, _ []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("mirror down")
	}
	m.objects[key] = contentType
	return nil
}

func (m *memoryMirror) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func setupPipeline(t *testing.T, mirror Mirror) (*Pipeline, string) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	staticDir := t.TempDir()
	if err := utils.EnsurePlaceholderImage(staticDir, config.AudioPlaceholder, 250, 250, logger); err != nil {
		t.Fatalf("Failed to create placeholder: %v", err)
	}
	p := NewPipeline(Options{
		StaticDir: staticDir,
		FFmpeg:    "yib-test-no-such-ffmpeg",
		Mirror:    mirror,
		Clock:     utils.NewStubClock(time.UnixMilli(1700000000000)),
		Logger:    logger,
	})
	return p, staticDir
}

func encodePNG(t *testing.T, w, h int, alpha uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 0x80, A: alpha})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: 0x40, B: uint8(y), A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("Failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func encodeGIF(t *testing.T) []byte {
	t.Helper()
	palette := color.Palette{color.Black, color.White}
	anim := &gif.GIF{}
	for i := 0; i < 2; i++ {
		frame := image.NewPaletted(image.Rect(0, 0, 40, 20), palette)
		frame.SetColorIndex(i, 0, 1)
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, 10)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		t.Fatalf("Failed to encode gif: %v", err)
	}
	return buf.Bytes()
}

func decodeFile(t *testing.T, path string) (image.Image, string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		t.Fatalf("Failed to decode %s: %v", path, err)
	}
	return img, format
}

var uniqueName = regexp.MustCompile(`^1700000000000_[a-z0-9]{4}\.[a-z0-9]+$`)

func TestProcessFamilies(t *testing.T) {
	p, staticDir := setupPipeline(t, nil)

	testCases := []struct {
		name        string
		upload      Upload
		bucket      Bucket
		family      Family
		thumbSuffix string
		thumbFormat string
	}{
		{"jpeg becomes jpg thumbnail", Upload{"Photo.JPG", encodeJPEG(t, 800, 400)}, ThreadBucket, FamilyStatic, ".jpg", "jpeg"},
		{"png keeps png thumbnail", Upload{"pic.png", encodePNG(t, 100, 100, 0xff)}, ReplyBucket, FamilyStatic, ".png", "png"},
		{"gif first frame as png", Upload{"anim.gif", encodeGIF(t)}, ThreadBucket, FamilyAnimated, ".png", "png"},
		{"mp3 copies placeholder", Upload{"song.mp3", []byte("ID3 not really audio")}, ReplyBucket, FamilyAudio, ".jpg", "jpeg"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			batch, err := p.Process(context.Background(), tc.bucket, []Upload{tc.upload})
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if len(batch.Assets) != 1 {
				t.Fatalf("Expected one asset, but got %d (errors %v)", len(batch.Assets), batch.Messages())
			}
			a := batch.Assets[0]
			if !uniqueName.MatchString(a.Original) {
				t.Errorf("Expected a unique lowercase name, but got '%s'", a.Original)
			}
			if a.Family != string(tc.family) {
				t.Errorf("Expected family %s, but got %s", tc.family, a.Family)
			}
			base := strings.TrimSuffix(a.Original, filepath.Ext(a.Original))
			wantThumb := string(tc.bucket) + "/thumbs/thumb_" + base + tc.thumbSuffix
			if a.Thumbnail != wantThumb {
				t.Errorf("Expected thumbnail '%s', but got '%s'", wantThumb, a.Thumbnail)
			}
			if len(a.Digest) != 64 {
				t.Errorf("Expected a hex sha256 digest, but got '%s'", a.Digest)
			}
			if _, err := os.Stat(filepath.Join(staticDir, string(tc.bucket), a.Original)); err != nil {
				t.Errorf("Expected original to be stored, but got: %v", err)
			}
			if tc.family == FamilyAudio {
				return
			}
			img, format := decodeFile(t, filepath.Join(staticDir, a.Thumbnail))
			if format != tc.thumbFormat {
				t.Errorf("Expected thumbnail format %s, but got %s", tc.thumbFormat, format)
			}
			b := img.Bounds()
			if b.Dx() > config.ThumbnailWidth || b.Dy() > config.ThumbnailHeight {
				t.Errorf("Expected thumbnail within %dx%d, but got %dx%d", config.ThumbnailWidth, config.ThumbnailHeight, b.Dx(), b.Dy())
			}
		})
	}
}

func TestThumbnailAspectRatio(t *testing.T) {
	p, staticDir := setupPipeline(t, nil)
	batch, _ := p.Process(context.Background(), ThreadBucket, []Upload{{"wide.jpg", encodeJPEG(t, 1000, 500)}})
	if len(batch.Assets) != 1 {
		t.Fatalf("Expected one asset, but got errors %v", batch.Messages())
	}
	img, _ := decodeFile(t, filepath.Join(staticDir, batch.Assets[0].Thumbnail))
	if img.Bounds().Dx() != 250 || img.Bounds().Dy() != 125 {
		t.Errorf("Expected a 250x125 thumbnail, but got %v", img.Bounds().Size())
	}
}

func TestTransparencySwitchesToPNG(t *testing.T) {
	p, staticDir := setupPipeline(t, nil)

	// PNG bytes under a .jpg name: the thumbnail name follows the detected alpha.
	batch, _ := p.Process(context.Background(), ThreadBucket, []Upload{{"sticker.jpg", encodePNG(t, 60, 60, 0x40)}})
	if len(batch.Assets) != 1 {
		t.Fatalf("Expected one asset, but got errors %v", batch.Messages())
	}
	thumb := batch.Assets[0].Thumbnail
	if !strings.HasSuffix(thumb, ".png") {
		t.Errorf("Expected a .png thumbnail for a transparent image, but got '%s'", thumb)
	}
	if _, format := decodeFile(t, filepath.Join(staticDir, thumb)); format != "png" {
		t.Errorf("Expected png thumbnail data, but got %s", format)
	}
}

func TestBatchContinuesPastFailures(t *testing.T) {
	p, staticDir := setupPipeline(t, nil)

	uploads := []Upload{
		{"first.png", encodePNG(t, 20, 20, 0xff)},
		{"", nil},
		{"script.exe", []byte("MZ")},
		{"clip.mp4", []byte("not a video")},
		{"broken.png", []byte("not a png")},
		{"last.jpeg", encodeJPEG(t, 20, 20)},
	}
	batch, err := p.Process(context.Background(), ThreadBucket, uploads)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(batch.Assets) != 2 {
		t.Fatalf("Expected two assets, but got %d", len(batch.Assets))
	}
	if !strings.HasSuffix(batch.Assets[0].Original, ".png") || !strings.HasSuffix(batch.Assets[1].Original, ".jpeg") {
		t.Errorf("Expected assets in upload order, but got %+v", batch.Assets)
	}
	if len(batch.Errors) != 3 {
		t.Errorf("Expected three per-file errors, but got %v", batch.Messages())
	}
	if !errors.Is(batch.Errors[0].Err, ErrUnsupportedType) {
		t.Errorf("Expected the .exe to be rejected as unsupported, but got %v", batch.Errors[0].Err)
	}
	if !errors.Is(batch.Errors[1].Err, ErrFFmpegMissing) {
		t.Errorf("Expected the video to fail on the missing ffmpeg, but got %v", batch.Errors[1].Err)
	}

	// Failed files leave nothing behind; survivors have both files.
	entries, _ := os.ReadDir(filepath.Join(staticDir, string(ThreadBucket)))
	files := 0
	for _, e := range entries {
		if !e.IsDir() {
			files++
		}
	}
	thumbs, _ := os.ReadDir(filepath.Join(staticDir, string(ThreadBucket), config.ThumbFolder))
	if files != 2 || len(thumbs) != 2 {
		t.Errorf("Expected 2 originals and 2 thumbnails on disk, but got %d and %d", files, len(thumbs))
	}
}

func TestOversizedUploadRejected(t *testing.T) {
	p, _ := setupPipeline(t, nil)
	big := make([]byte, config.MaxFileSize+1)
	batch, _ := p.Process(context.Background(), ReplyBucket, []Upload{{"big.png", big}})
	if len(batch.Assets) != 0 || len(batch.Errors) != 1 {
		t.Errorf("Expected the oversized file to be rejected, but got %+v", batch)
	}
}

func TestMirrorAndRemove(t *testing.T) {
	mirror := &memoryMirror{objects: map[string]string{}}
	p, staticDir := setupPipeline(t, mirror)

	batch, _ := p.Process(context.Background(), ReplyBucket, []Upload{{"a.png", encodePNG(t, 10, 10, 0xff)}})
	if len(batch.Assets) != 1 {
		t.Fatalf("Expected one asset, but got errors %v", batch.Messages())
	}
	a := batch.Assets[0]
	originalKey := string(ReplyBucket) + "/" + a.Original
	if mirror.objects[originalKey] != "image/png" || mirror.objects[a.Thumbnail] == "" {
		t.Errorf("Expected original and thumbnail to be mirrored, but got %v", mirror.objects)
	}

	p.RemoveDeleted(context.Background(), models.DeletedMedia{ReplyFiles: []models.MediaAsset{a}})
	if _, err := os.Stat(filepath.Join(staticDir, originalKey)); !os.IsNotExist(err) {
		t.Error("Expected original to be removed from disk")
	}
	if _, err := os.Stat(filepath.Join(staticDir, a.Thumbnail)); !os.IsNotExist(err) {
		t.Error("Expected thumbnail to be removed from disk")
	}
	if len(mirror.objects) != 0 {
		t.Errorf("Expected mirrored objects to be removed, but got %v", mirror.objects)
	}
}

func TestMirrorFailureDoesNotFailUpload(t *testing.T) {
	p, _ := setupPipeline(t, &memoryMirror{objects: map[string]string{}, fail: true})
	batch, _ := p.Process(context.Background(), ThreadBucket, []Upload{{"a.png", encodePNG(t, 10, 10, 0xff)}})
	if len(batch.Assets) != 1 || len(batch.Errors) != 0 {
		t.Errorf("Expected the upload to succeed despite the mirror, but got %+v", batch)
	}
}

func TestRemoveRefusesTraversal(t *testing.T) {
	p, staticDir := setupPipeline(t, nil)
	victim := filepath.Join(staticDir, "keep.txt")
	os.WriteFile(victim, []byte("x"), 0644)

	testCases := []struct {
		name      string
		original  string
		thumbnail string
	}{
		{"dotdot original", "../keep.txt", ""},
		{"nested original", "thumbs/../../keep.txt", ""},
		{"thumbnail outside bucket", "", "keep.txt"},
		{"thumbnail escaping bucket", "", "post_images/../keep.txt"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.Remove(context.Background(), ThreadBucket, tc.original, tc.thumbnail)
			if !errors.Is(err, utils.ErrUnsafePath) {
				t.Errorf("Expected ErrUnsafePath, but got %v", err)
			}
			if _, err := os.Stat(victim); err != nil {
				t.Errorf("Expected file outside the bucket to survive, but got %v", err)
			}
		})
	}

	if err := p.Remove(context.Background(), ThreadBucket, "missing.png", "post_images/thumbs/thumb_missing.png"); err != nil {
		t.Errorf("Expected removing missing files to succeed, but got %v", err)
	}
}
