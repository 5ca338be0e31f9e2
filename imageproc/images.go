// Package imageproc prepares images for vision towers.
package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/jmorganca/zoo/ml"
)

var (
	ImageNetDefaultMean  = [3]float32{0.485, 0.456, 0.406}
	ImageNetDefaultSTD   = [3]float32{0.229, 0.224, 0.225}
	ImageNetStandardMean = [3]float32{0.5, 0.5, 0.5}
	ImageNetStandardSTD  = [3]float32{0.5, 0.5, 0.5}
	ClipDefaultMean      = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipDefaultSTD       = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

// Decode reads a png, jpeg or webp image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	return img, nil
}

// Open decodes the image at path.
func Open(path string) (image.Image, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Decode(bytes.NewReader(b))
}

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	white := color.RGBA{255, 255, 255, 255}
	return CompositeColor(img, white)
}

// CompositeColor returns an image with the alpha channel removed by drawing over c.
func CompositeColor(img image.Image, c color.Color) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

func kernel(method int) draw.Interpolator {
	switch method {
	case ResizeBilinear:
		return draw.BiLinear
	case ResizeNearestNeighbor:
		return draw.NearestNeighbor
	case ResizeApproxBilinear:
		return draw.ApproxBiLinear
	case ResizeCatmullrom:
		return draw.CatmullRom
	default:
		panic("no resizing method found")
	}
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	kernel(method).Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// ResizeShortest scales img so its shorter side is size, keeping the aspect ratio.
func ResizeShortest(img image.Image, size int, method int) image.Image {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w <= h {
		return Resize(img, image.Point{size, max(1, h*size/w)}, method)
	}

	return Resize(img, image.Point{max(1, w*size/h), size}, method)
}

// CenterCrop cuts a size.X by size.Y window out of the middle of img. Images
// smaller than the window are padded with black first.
func CenterCrop(img image.Image, size image.Point) image.Image {
	b := img.Bounds()
	return Crop(img, image.Point{(b.Dx() - size.X) / 2, (b.Dy() - size.Y) / 2}, size)
}

// Crop cuts a size.X by size.Y window whose top left corner sits at offset
// from the origin of img.
func Crop(img image.Image, offset, size image.Point) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min.Add(offset), draw.Src)
	return dst
}

// FlipHorizontal mirrors img left to right.
func FlipHorizontal(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := range b.Dy() {
		for x := range b.Dx() {
			dst.Set(b.Dx()-1-x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}

	return dst
}

// Pad returns an image which has been resized to fit within a new size, preserving aspect ratio, and padded with a color.
func Pad(img image.Image, newSize image.Point, c color.Color, method int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)

	var minPoint, maxPoint image.Point
	if img.Bounds().Dx() > img.Bounds().Dy() {
		// landscape
		height := newSize.X * img.Bounds().Dy() / img.Bounds().Dx()
		minPoint = image.Point{0, (newSize.Y - height) / 2}
		maxPoint = image.Point{newSize.X, height + minPoint.Y}
	} else {
		// portrait
		width := newSize.Y * img.Bounds().Dx() / img.Bounds().Dy()
		minPoint = image.Point{(newSize.X - width) / 2, 0}
		maxPoint = image.Point{minPoint.X + width, newSize.Y}
	}

	kernel(method).Scale(dst, image.Rectangle{
		Min: minPoint,
		Max: maxPoint,
	}, img, img.Bounds(), draw.Over, nil)

	return dst
}

// Normalize returns a slice of float32 containing each of the r, g, b values for an image normalized around a value.
func Normalize(img image.Image, mean, std [3]float32, rescale bool, channelFirst bool) []float32 {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()
	pixelVals := make([]float32, 3*n)

	var i int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			vals := [3]float32{float32(r >> 8), float32(g >> 8), float32(b >> 8)}
			for c := range vals {
				if rescale {
					vals[c] /= 255.0
				}
				vals[c] = (vals[c] - mean[c]) / std[c]

				if channelFirst {
					pixelVals[c*n+i] = vals[c]
				} else {
					pixelVals[3*i+c] = vals[c]
				}
			}
			i++
		}
	}

	return pixelVals
}

// Tensor normalizes img into a channel first (3, H, W) tensor.
func Tensor(img image.Image, mean, std [3]float32) (*ml.Tensor, error) {
	b := img.Bounds()
	return ml.FromFloats(Normalize(img, mean, std, true, true), 3, b.Dy(), b.Dx())
}

// Mask converts img to a (1, H, W) tensor of zeros and ones, one where the
// luminance is at least half.
func Mask(img image.Image) (*ml.Tensor, error) {
	b := img.Bounds()
	s := make([]float32, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			if g.Y >= 128 {
				s = append(s, 1)
			} else {
				s = append(s, 0)
			}
		}
	}

	return ml.FromFloats(s, 1, b.Dy(), b.Dx())
}
