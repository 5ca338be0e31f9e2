package diffusers

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/model"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/writer"
)

const imageSection = "core/postprocess/diffusers/image"

// ImageWriter saves decoded images as png files.
type ImageWriter struct {
	folder string
}

func NewImageWriterFromConfig(cfg *config.Config) (*ImageWriter, error) {
	s := cfg.Section(imageSection)
	folder := s.String("output_folder", filepath.Join(os.TempDir(), "zoo-images"))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, err
	}

	return &ImageWriter{folder: folder}, nil
}

// Images converts a (B, 3, H, W) tensor in [0, 1] into images.
func Images(t *ml.Tensor) ([]image.Image, error) {
	if t.NumDims() != 4 || t.Dim(1) != 3 {
		return nil, fmt.Errorf("%w: images %v", ml.ErrShape, t.Shape())
	}

	n, h, w := t.Dim(0), t.Dim(2), t.Dim(3)
	plane := h * w
	v := t.Floats()

	level := func(f float32) uint8 {
		return uint8(math.Round(float64(min(max(f, 0), 1)) * 255))
	}

	imgs := make([]image.Image, n)
	for i := range imgs {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		base := i * 3 * plane
		for y := range h {
			for x := range w {
				o := base + y*w + x
				img.SetRGBA(x, y, color.RGBA{level(v[o]), level(v[o+plane]), level(v[o+2*plane]), 255})
			}
		}
		imgs[i] = img
	}

	return imgs, nil
}

// Write saves the "images" of the outputs argument and returns a table of
// their paths in an "image" column.
func (w *ImageWriter) Write(_ context.Context, args process.Args) (any, error) {
	var b *bundle.Tensors
	switch v := args["outputs"].(type) {
	case model.DiffusionOutputs:
		b = v.Bundle()
	case *bundle.Tensors:
		b = v
	default:
		return nil, fmt.Errorf("%w: %T has no images", writer.ErrUnsupported, v)
	}

	t, err := b.Require("images")
	if err != nil {
		return nil, err
	}

	imgs, err := Images(t)
	if err != nil {
		return nil, err
	}

	table := writer.NewTable("image")
	for _, img := range imgs {
		path := filepath.Join(w.folder, uuid.NewString()+".png")
		if err := writePNG(path, img); err != nil {
			return nil, err
		}

		if err := table.Append(path); err != nil {
			return nil, err
		}
	}

	return table, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return err
	}

	return f.Close()
}
