package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/config"
)

const defaultVariantWidth = 320

// ImageVariantHandler renders sized variants of an uploaded image (product
// photos, logos) into the artifact store. It backs the image_variants job
// type; the work is CPU-bound, so it runs on the durable tier where a
// crashed render is re-delivered.
type ImageVariantHandler struct {
	cfg    config.Config
	stores artifactStores
}

type imageVariantPayload struct {
	SourcePath   string `json:"source_path"`
	OutputPrefix string `json:"output_prefix"`
	Widths       []int  `json:"widths"`
	Grayscale    bool   `json:"grayscale"`
	Format       string `json:"format"`
	Destination  string `json:"destination"`
}

func NewImageVariantHandler(ctx context.Context, cfg config.Config) (*ImageVariantHandler, error) {
	stores, err := newArtifactStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ImageVariantHandler{cfg: cfg, stores: stores}, nil
}

// Render decodes the source image once and stores one variant per
// requested width, aspect ratio preserved. Returns the stored locations.
func (h *ImageVariantHandler) Render(ctx context.Context, payload map[string]any) (any, error) {
	p, err := decodeImageVariantPayload(payload, h.cfg)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("open source image: %w", err)
	}
	src, decoded, err := image.Decode(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return nil, errors.New("invalid image dimensions")
	}

	if p.Grayscale {
		src = imaging.Grayscale(src)
	}

	format, ext, mime := variantFormat(p.Format, decoded)
	store, err := h.stores.pick(p.Destination)
	if err != nil {
		return nil, err
	}

	variants := make([]string, 0, len(p.Widths))
	for _, width := range p.Widths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img := imaging.Resize(src, width, 0, imaging.Lanczos)
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(85)); err != nil {
			return nil, fmt.Errorf("encode %d-wide variant: %w", width, err)
		}

		key := sanitizeKey(fmt.Sprintf("%s_w%d.%s", p.OutputPrefix, width, ext))
		location, err := store.Store(ctx, key, buf.Bytes(), mime)
		if err != nil {
			return nil, fmt.Errorf("store variant %s: %w", key, err)
		}
		variants = append(variants, location)
	}

	return map[string]any{
		"variants": variants,
		"count":    len(variants),
		"format":   ext,
	}, nil
}

func decodeImageVariantPayload(payload map[string]any, cfg config.Config) (imageVariantPayload, error) {
	var p imageVariantPayload
	raw, err := json.Marshal(payload)
	if err != nil {
		return p, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.SourcePath == "" {
		return p, errors.New("source_path is required")
	}
	if len(p.Widths) == 0 {
		p.Widths = []int{defaultVariantWidth}
	}
	for _, w := range p.Widths {
		if w <= 0 {
			return p, fmt.Errorf("width %d is not positive", w)
		}
	}
	if p.OutputPrefix == "" {
		base := filepath.Base(p.SourcePath)
		p.OutputPrefix = "images/" + strings.TrimSuffix(base, filepath.Ext(base))
	}
	if p.Destination == "" {
		if cfg.ArtifactS3Bucket != "" {
			p.Destination = "s3"
		} else {
			p.Destination = "local"
		}
	}
	return p, nil
}

// variantFormat resolves the output encoding: an explicit payload format
// wins, then the source format, then JPEG.
func variantFormat(requested, decoded string) (imaging.Format, string, string) {
	switch strings.ToLower(requested) {
	case "png":
		return imaging.PNG, "png", "image/png"
	case "jpg", "jpeg":
		return imaging.JPEG, "jpg", "image/jpeg"
	case "gif":
		return imaging.GIF, "gif", "image/gif"
	case "tiff":
		return imaging.TIFF, "tiff", "image/tiff"
	}
	switch strings.ToLower(decoded) {
	case "png":
		return imaging.PNG, "png", "image/png"
	case "gif":
		return imaging.GIF, "gif", "image/gif"
	case "tiff":
		return imaging.TIFF, "tiff", "image/tiff"
	}
	return imaging.JPEG, "jpg", "image/jpeg"
}
