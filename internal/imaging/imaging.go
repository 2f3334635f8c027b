// Package imaging 生成图标包、社交媒体素材、预览水印和 zip 打包。
package imaging

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	ErrDecode     = errors.New("unsupported or corrupt image")
	ErrEmptyImage = errors.New("image has no pixels")
)

// MaxSourcePixels 源图像素上限，防止解码超大图片
const MaxSourcePixels = 40_000_000

// File zip 包中的一个文件
type File struct {
	Name string
	Data []byte
}

func Decode(data []byte) (*image.NRGBA, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, ErrEmptyImage
	}
	if cfg.Width*cfg.Height > MaxSourcePixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds limit", ErrDecode, cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return toNRGBA(img), nil
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Zip 按给定顺序写入文件
func Zip(files []File) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.Name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fill 用纯色铺满整张画布
func fill(dst *image.NRGBA, c color.Color) {
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
}

// containRect 等比缩放到 w×h 内并居中
func containRect(srcW, srcH, w, h int) image.Rectangle {
	drawW, drawH := w, h
	if float64(w)/float64(h) > float64(srcW)/float64(srcH) {
		drawW = int(float64(h) * float64(srcW) / float64(srcH))
	} else {
		drawH = int(float64(w) * float64(srcH) / float64(srcW))
	}
	drawW, drawH = max(drawW, 1), max(drawH, 1)
	x := (w - drawW) / 2
	y := (h - drawH) / 2
	return image.Rect(x, y, x+drawW, y+drawH)
}

func parseHex(hex string) color.NRGBA {
	var r, g, b uint8
	if len(hex) == 7 && hex[0] == '#' {
		if _, err := fmt.Sscanf(hex[1:], "%02x%02x%02x", &r, &g, &b); err == nil {
			return color.NRGBA{R: r, G: g, B: b, A: 255}
		}
	}
	return color.NRGBA{A: 255}
}
