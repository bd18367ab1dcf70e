package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os/exec"
	"path"
	"strings"
	"yib/config"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var ErrFFmpegMissing = errors.New("ffmpeg not installed")

// job is the state a thumbnailer works on. A thumbnailer may rename thumbRel.
type job struct {
	data        []byte
	originalRel string
	thumbRel    string
}

type thumbnailer func(ctx context.Context, p *Pipeline, j *job) error

// staticThumbnail fits a still image. PNG and WebP sources already get PNG
// thumbnails, so the switch to PNG on transparency only changes JPEG-named
// uploads that carry an alpha channel.
func staticThumbnail(_ context.Context, p *Pipeline, j *job) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(j.data))
	if err != nil {
		return fmt.Errorf("invalid image format, could not decode config: %w", err)
	}
	if cfg.Width > config.MaxWidth || cfg.Height > config.MaxHeight {
		return fmt.Errorf("image dimensions (%dx%d) exceed maximum (%dx%d)", cfg.Width, cfg.Height, config.MaxWidth, config.MaxHeight)
	}

	raw, _, err := image.Decode(bytes.NewReader(j.data))
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(j.data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to decode image with orientation correction: %w", err)
	}

	format := formatFor(j.thumbRel)
	if format != imaging.PNG && hasTransparency(cfg, raw) {
		j.thumbRel = strings.TrimSuffix(j.thumbRel, path.Ext(j.thumbRel)) + ".png"
		format = imaging.PNG
	}
	return p.writeThumbnail(j.thumbRel, img, format)
}

// animatedThumbnail uses the first frame only.
func animatedThumbnail(_ context.Context, p *Pipeline, j *job) error {
	img, err := imaging.Decode(bytes.NewReader(j.data))
	if err != nil {
		return fmt.Errorf("failed to decode first frame: %w", err)
	}
	return p.writeThumbnail(j.thumbRel, img, imaging.PNG)
}

// videoThumbnail grabs the frame at 1s, or the first frame of shorter clips.
func videoThumbnail(ctx context.Context, p *Pipeline, j *job) error {
	src, err := p.storage.Resolve(j.originalRel)
	if err != nil {
		return err
	}
	frame, err := p.extractFrame(ctx, src, "1")
	if errors.Is(err, ErrFFmpegMissing) {
		return err
	}
	if err != nil || len(frame) == 0 {
		p.logger.Warn("No frame at 1s, trying frame 0", "path", j.originalRel, "error", err)
		frame, err = p.extractFrame(ctx, src, "")
		if err != nil {
			return err
		}
		if len(frame) == 0 {
			return fmt.Errorf("unable to read any frame from video")
		}
	}
	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("failed to decode video frame: %w", err)
	}
	return p.writeThumbnail(j.thumbRel, img, imaging.JPEG)
}

// audioThumbnail copies the shared placeholder image.
func audioThumbnail(_ context.Context, p *Pipeline, j *job) error {
	if !p.storage.Exists(config.AudioPlaceholder) {
		return fmt.Errorf("audio placeholder %s not found", config.AudioPlaceholder)
	}
	return p.storage.CopyFile(config.AudioPlaceholder, j.thumbRel)
}

// extractFrame asks ffmpeg for one PNG frame on stdout. An empty seek reads frame zero.
func (p *Pipeline) extractFrame(ctx context.Context, src, seek string) ([]byte, error) {
	if _, err := exec.LookPath(p.ffmpeg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFFmpegMissing, p.ffmpeg)
	}
	args := []string{"-v", "error"}
	if seek != "" {
		args = append(args, "-ss", seek)
	}
	args = append(args, "-i", src, "-frames:v", "1", "-f", "image2pipe", "-vcodec", "png", "-")

	output, err := exec.CommandContext(ctx, p.ffmpeg, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ffmpeg failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffmpeg execution failed: %w", err)
	}
	return output, nil
}

func (p *Pipeline) writeThumbnail(rel string, img image.Image, format imaging.Format) error {
	thumb := imaging.Fit(img, config.ThumbnailWidth, config.ThumbnailHeight, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, format, imaging.JPEGQuality(config.JPEGQuality)); err != nil {
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return p.storage.SaveFile(rel, buf.Bytes())
}

func formatFor(name string) imaging.Format {
	if strings.EqualFold(path.Ext(name), ".png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

// hasTransparency reports an alpha channel, or any non-opaque pixel in
// images whose color model can carry one (palettes included).
func hasTransparency(cfg image.Config, img image.Image) bool {
	switch cfg.ColorModel {
	case color.NRGBAModel, color.NRGBA64Model, color.NYCbCrAModel, color.AlphaModel, color.Alpha16Model:
		return true
	}
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return false
}
