// Package images emulates the images API: format inspection and a chain of
// resize, rotate, flip and crop transforms.
package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"
	"strings"

	"golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/lsm/testbed/internal/service"
)

// ServiceName is the images service name in request envelopes.
const ServiceName = "images"

// Application error codes.
const (
	ErrCodeUnspecified      int32 = 1
	ErrCodeBadTransformData int32 = 2
	ErrCodeNotImage         int32 = 3
	ErrCodeBadImageData     int32 = 4
)

// Output formats.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatGIF  = "gif"
	FormatBMP  = "bmp"
	FormatTIFF = "tiff"
)

const (
	maxTransforms  = 10
	maxDimension   = 4000
	defaultQuality = 85
	maxImageBytes  = 32 << 20
)

// Service is the images emulation. It is stateless.
type Service struct {
	service.Mux
	logger *slog.Logger
}

// New creates the images service.
func New(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{logger: logger}
	s.Handle("Info", service.Method(s.info))
	s.Handle("Transform", service.Method(s.transform))
	return s
}

// Name implements service.Service.
func (s *Service) Name() string { return ServiceName }

// Call implements service.Service.
func (s *Service) Call(ctx context.Context, method string, in []byte) ([]byte, error) {
	return s.Dispatch(ctx, ServiceName, method, in)
}

// Close implements service.Service.
func (s *Service) Close() error { return nil }

// InfoRequest inspects an encoded image.
type InfoRequest struct {
	Image []byte `json:"image"`
}

// InfoResponse describes an encoded image.
type InfoResponse struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (s *Service) info(_ context.Context, req *InfoRequest) (*InfoResponse, error) {
	if err := checkImageData(req.Image); err != nil {
		return nil, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(req.Image))
	if err != nil {
		return nil, decodeError(err)
	}
	return &InfoResponse{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// Resize scales an image to fit within Width x Height preserving its
// aspect ratio. A zero dimension is derived from the other.
type Resize struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// Crop selects a region given as fractions of the image size.
type Crop struct {
	LeftX   float64 `json:"leftX"`
	TopY    float64 `json:"topY"`
	RightX  float64 `json:"rightX"`
	BottomY float64 `json:"bottomY"`
}

// Transform is a single operation. Exactly one field must be set.
type Transform struct {
	Resize         *Resize `json:"resize,omitempty"`
	Rotate         int     `json:"rotate,omitempty"`
	FlipHorizontal bool    `json:"flipHorizontal,omitempty"`
	FlipVertical   bool    `json:"flipVertical,omitempty"`
	Crop           *Crop   `json:"crop,omitempty"`
}

// TransformRequest applies transforms in order and encodes the result.
type TransformRequest struct {
	Image        []byte      `json:"image"`
	Transforms   []Transform `json:"transforms"`
	OutputFormat string      `json:"outputFormat,omitempty"`
	Quality      int         `json:"quality,omitempty"`
}

// TransformResponse holds the encoded result.
type TransformResponse struct {
	Image  []byte `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (s *Service) transform(_ context.Context, req *TransformRequest) (*TransformResponse, error) {
	if len(req.Transforms) == 0 {
		return nil, service.NewApplicationError(ErrCodeBadTransformData, "no transforms given")
	}
	if len(req.Transforms) > maxTransforms {
		return nil, service.NewApplicationError(ErrCodeBadTransformData, "%d transforms exceed the limit of %d", len(req.Transforms), maxTransforms)
	}
	for i, t := range req.Transforms {
		if err := t.validate(); err != nil {
			return nil, service.NewApplicationError(ErrCodeBadTransformData, "transform %d: %v", i, err)
		}
	}
	format := strings.ToLower(req.OutputFormat)
	switch format {
	case "":
		format = FormatPNG
	case "jpg":
		format = FormatJPEG
	case FormatPNG, FormatJPEG, FormatGIF, FormatBMP, FormatTIFF:
	default:
		return nil, service.NewApplicationError(ErrCodeBadTransformData, "unsupported output format %q", req.OutputFormat)
	}
	quality := req.Quality
	if quality == 0 {
		quality = defaultQuality
	}
	if quality < 1 || quality > 100 {
		return nil, service.NewApplicationError(ErrCodeBadTransformData, "quality must be in [1, 100], got %d", quality)
	}

	if err := checkImageData(req.Image); err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(req.Image))
	if err != nil {
		return nil, decodeError(err)
	}
	if cfg.Width > maxDimension || cfg.Height > maxDimension {
		return nil, service.NewApplicationError(ErrCodeBadImageData, "image of %dx%d exceeds the %d pixel limit", cfg.Width, cfg.Height, maxDimension)
	}
	src, _, err := image.Decode(bytes.NewReader(req.Image))
	if err != nil {
		return nil, decodeError(err)
	}

	img := toNRGBA(src)
	for i, t := range req.Transforms {
		img = t.apply(img)
		if b := img.Bounds(); b.Dx() > maxDimension || b.Dy() > maxDimension {
			return nil, service.NewApplicationError(ErrCodeBadTransformData, "transform %d: result of %dx%d exceeds the %d pixel limit", i, b.Dx(), b.Dy(), maxDimension)
		}
	}

	var buf bytes.Buffer
	if err := encode(&buf, img, format, quality); err != nil {
		return nil, service.NewApplicationError(ErrCodeUnspecified, "encode %s: %v", format, err)
	}
	b := img.Bounds()
	s.logger.Debug("image transformed", "transforms", len(req.Transforms), "format", format, "width", b.Dx(), "height", b.Dy())
	return &TransformResponse{Image: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}

func (t Transform) validate() error {
	set := 0
	if t.Resize != nil {
		set++
		r := t.Resize
		if r.Width < 0 || r.Height < 0 || r.Width > maxDimension || r.Height > maxDimension {
			return fmt.Errorf("resize dimensions must be in [0, %d], got %dx%d", maxDimension, r.Width, r.Height)
		}
		if r.Width == 0 && r.Height == 0 {
			return errors.New("resize needs a width or a height")
		}
	}
	if t.Rotate != 0 {
		set++
		if t.Rotate%90 != 0 {
			return fmt.Errorf("rotation must be a multiple of 90 degrees, got %d", t.Rotate)
		}
	}
	if t.FlipHorizontal {
		set++
	}
	if t.FlipVertical {
		set++
	}
	if t.Crop != nil {
		set++
		c := t.Crop
		for _, v := range []float64{c.LeftX, c.TopY, c.RightX, c.BottomY} {
			if v < 0 || v > 1 {
				return fmt.Errorf("crop bounds must be in [0, 1], got %+v", *c)
			}
		}
		if c.LeftX >= c.RightX || c.TopY >= c.BottomY {
			return fmt.Errorf("crop region is empty: %+v", *c)
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one operation must be set, got %d", set)
	}
	return nil
}

func (t Transform) apply(img *image.NRGBA) *image.NRGBA {
	switch {
	case t.Resize != nil:
		return resize(img, t.Resize.Width, t.Resize.Height)
	case t.Rotate != 0:
		return rotate(img, t.Rotate)
	case t.FlipHorizontal:
		return flip(img, true)
	case t.FlipVertical:
		return flip(img, false)
	default:
		return crop(img, *t.Crop)
	}
}

func checkImageData(data []byte) error {
	if len(data) == 0 {
		return service.NewApplicationError(ErrCodeNotImage, "empty image data")
	}
	if len(data) > maxImageBytes {
		return service.NewApplicationError(ErrCodeBadImageData, "image of %d bytes exceeds the %d byte limit", len(data), maxImageBytes)
	}
	return nil
}

func decodeError(err error) error {
	if errors.Is(err, image.ErrFormat) {
		return service.NewApplicationError(ErrCodeNotImage, "unrecognized image format")
	}
	return service.NewApplicationError(ErrCodeBadImageData, "decode image: %v", err)
}

func encode(buf *bytes.Buffer, img image.Image, format string, quality int) error {
	switch format {
	case FormatJPEG:
		return jpeg.Encode(buf, img, &jpeg.Options{Quality: quality})
	case FormatGIF:
		return gif.Encode(buf, img, nil)
	case FormatBMP:
		return bmp.Encode(buf, img)
	case FormatTIFF:
		return tiff.Encode(buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return png.Encode(buf, img)
	}
}

func toNRGBA(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), src, b.Min, xdraw.Src)
	return dst
}

// fitWithin returns the largest size with the aspect ratio of w x h that
// fits within maxW x maxH. A zero bound is derived from the other but
// never exceeds maxDimension.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if maxW == 0 {
		maxW = maxDimension
	}
	if maxH == 0 {
		maxH = maxDimension
	}
	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := min(maxW, max(1, int(float64(w)*scale+0.5)))
	nh := min(maxH, max(1, int(float64(h)*scale+0.5)))
	return nw, nh
}

func resize(img *image.NRGBA, maxW, maxH int) *image.NRGBA {
	b := img.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), maxW, maxH)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// rotate turns img clockwise by degrees, a multiple of 90.
func rotate(img *image.NRGBA, degrees int) *image.NRGBA {
	turns := ((degrees/90)%4 + 4) % 4
	for range turns {
		img = rotate90(img)
	}
	return img
}

func rotate90(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetNRGBA(h-1-y, x, img.NRGBAAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func flip(img *image.NRGBA, horizontal bool) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := x, y
			if horizontal {
				dx = w - 1 - x
			} else {
				dy = h - 1 - y
			}
			dst.SetNRGBA(dx, dy, img.NRGBAAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func crop(img *image.NRGBA, c Crop) *image.NRGBA {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	r := image.Rect(
		b.Min.X+int(c.LeftX*w), b.Min.Y+int(c.TopY*h),
		b.Min.X+int(c.RightX*w+0.5), b.Min.Y+int(c.BottomY*h+0.5),
	).Intersect(b)
	if r.Empty() {
		r = image.Rect(b.Min.X, b.Min.Y, b.Min.X+1, b.Min.Y+1)
	}
	return toNRGBA(img.SubImage(r))
}
