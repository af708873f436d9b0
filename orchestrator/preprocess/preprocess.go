// Package preprocess improves raster inputs before OCR. The pipeline is
// grayscale, denoise, adaptive threshold, skew correction, then DPI uplift,
// each stage individually switchable. PDFs pass through untouched: the cloud
// engines rasterize PDFs themselves and the local drivers convert on their
// own terms.
package preprocess

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

// DefaultMinDPI is the target resolution when DPI optimization is on and the
// engine config does not set one.
const DefaultMinDPI = 300

// letterWidthInches approximates the printed width of a scanned page, used to
// estimate effective DPI from pixel width.
const letterWidthInches = 8.5

// Apply runs the enabled pipeline stages over the document at path and writes
// the processed image to a temp file. It returns the path to feed the driver
// and a cleanup func removing the temp file; when no stage applies it returns
// the input path and a no-op cleanup.
func Apply(path string, opts config.PreprocessOptions, kind ocr.EngineKind) (string, func(), error) {
	noop := func() {}
	if !opts.Enabled {
		return path, noop, nil
	}
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return path, noop, nil
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", noop, ocr.Permanent(kind, "preprocess", fmt.Errorf("open image: %w", err))
	}

	for _, s := range pipeline(opts) {
		img = s.apply(img)
	}

	out, err := os.CreateTemp("", "ocrflow-pre-*.png")
	if err != nil {
		return "", noop, ocr.Transient(kind, "preprocess", fmt.Errorf("temp file: %w", err))
	}
	outPath := out.Name()
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return "", noop, ocr.Transient(kind, "preprocess", err)
	}
	if err := imaging.Save(img, outPath); err != nil {
		os.Remove(outPath)
		return "", noop, ocr.Transient(kind, "preprocess", fmt.Errorf("save image: %w", err))
	}
	return outPath, func() { os.Remove(outPath) }, nil
}

// stage is one pipeline step.
type stage struct {
	name  string
	apply func(image.Image) image.Image
}

// pipeline assembles the enabled stages in their fixed order: grayscale,
// denoise, adaptive threshold, skew correction, DPI uplift.
func pipeline(opts config.PreprocessOptions) []stage {
	var stages []stage
	if opts.Grayscale || opts.AdaptiveThreshold || opts.SkewCorrection {
		stages = append(stages, stage{"grayscale", func(img image.Image) image.Image {
			return imaging.Grayscale(img)
		}})
	}
	if opts.Denoise {
		stages = append(stages, stage{"denoise", func(img image.Image) image.Image {
			return imaging.Blur(img, 0.8)
		}})
	}
	if opts.AdaptiveThreshold {
		stages = append(stages, stage{"adaptive_threshold", func(img image.Image) image.Image {
			return adaptiveThreshold(toGray(img), 15, 10)
		}})
	}
	if opts.SkewCorrection {
		stages = append(stages, stage{"skew_correction", deskew})
	}
	if opts.DPIOptimization {
		stages = append(stages, stage{"dpi_uplift", func(img image.Image) image.Image {
			return upscaleToDPI(img, opts.MinDPI)
		}})
	}
	return stages
}

// upscaleToDPI resizes the image when its estimated resolution is below
// minDPI, assuming a letter-width page.
func upscaleToDPI(img image.Image, minDPI int) image.Image {
	if minDPI <= 0 {
		minDPI = DefaultMinDPI
	}
	width := img.Bounds().Dx()
	if width == 0 {
		return img
	}
	estimated := float64(width) / letterWidthInches
	if estimated >= float64(minDPI) {
		return img
	}
	scale := float64(minDPI) / estimated
	return imaging.Resize(img, int(float64(width)*scale), 0, imaging.Lanczos)
}

// adaptiveThreshold binarizes a grayscale image against the mean of a local
// window minus a constant bias, which keeps text legible under uneven
// lighting where a global threshold fails.
func adaptiveThreshold(src *image.Gray, window, bias int) *image.Gray {
	if window < 3 {
		window = 3
	}
	if window%2 == 0 {
		window++
	}
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	dst := image.NewGray(bounds)
	half := window / 2

	// Summed-area table keeps the window mean O(1) per pixel.
	integral := make([]int64, (w+1)*(h+1))
	stride := w + 1
	for y := 0; y < h; y++ {
		var rowSum int64
		for x := 0; x < w; x++ {
			rowSum += int64(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			integral[(y+1)*stride+x+1] = integral[y*stride+x+1] + rowSum
		}
	}

	for y := 0; y < h; y++ {
		y0, y1 := maxInt(0, y-half), minInt(h-1, y+half)
		for x := 0; x < w; x++ {
			x0, x1 := maxInt(0, x-half), minInt(w-1, x+half)
			area := int64((x1 - x0 + 1) * (y1 - y0 + 1))
			sum := integral[(y1+1)*stride+x1+1] - integral[y0*stride+x1+1] -
				integral[(y1+1)*stride+x0] + integral[y0*stride+x0]
			mean := sum / area
			px := src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y
			if int64(px) > mean-int64(bias) {
				dst.SetGray(bounds.Min.X+x, bounds.Min.Y+y, color.Gray{Y: 255})
			} else {
				dst.SetGray(bounds.Min.X+x, bounds.Min.Y+y, color.Gray{Y: 0})
			}
		}
	}
	return dst
}

// deskew estimates the page rotation by maximizing the variance of horizontal
// ink projections over candidate angles and rotates the image back. Angles
// beyond ±5 degrees are out of scope for scanned-page correction.
func deskew(img image.Image) image.Image {
	gray := toGray(img)
	bestAngle, bestScore := 0.0, projectionVariance(gray, 0)
	for angle := -5.0; angle <= 5.0; angle += 0.5 {
		if angle == 0 {
			continue
		}
		if score := projectionVariance(gray, angle); score > bestScore {
			bestScore, bestAngle = score, angle
		}
	}
	if bestAngle == 0 {
		return img
	}
	return imaging.Rotate(img, bestAngle, color.White)
}

// projectionVariance scores how well rows align with text lines at the given
// trial rotation. Sharp line separation yields high variance.
func projectionVariance(gray *image.Gray, angle float64) float64 {
	bounds := gray.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	rad := angle * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)

	rows := make([]float64, h)
	// Sample a coarse grid; exact projections are unnecessary for a 0.5
	// degree search step.
	stepX, stepY := maxInt(1, w/256), maxInt(1, h/256)
	for y := 0; y < h; y += stepY {
		for x := 0; x < w; x += stepX {
			projected := int(float64(y)*cos - float64(x)*sin)
			if projected < 0 || projected >= h {
				continue
			}
			// Ink is dark; invert so text contributes positively.
			v := 255 - int(gray.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			rows[projected] += float64(v)
		}
	}

	var mean float64
	for _, v := range rows {
		mean += v
	}
	mean /= float64(h)
	var variance float64
	for _, v := range rows {
		d := v - mean
		variance += d * d
	}
	return variance / float64(h)
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	dst := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			dst.Set(x, y, img.At(x, y))
		}
	}
	return dst
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
