package imaging

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

type IconSize struct {
	Size int
	Name string
}

var IconSizes = []IconSize{
	{Size: 32, Name: "favicon-32.png"},
	{Size: 64, Name: "icon-64.png"},
	{Size: 180, Name: "apple-touch-icon.png"},
	{Size: 512, Name: "icon-512.png"},
}

// PremiumSnippet 随图标包附带的 head 片段
const PremiumSnippet = `<!-- Add the icons inside the html head tag  -->
<link rel="icon" type="image/png" sizes="32x32" href="/favicon-32.png">
<link rel="icon" type="image/png" sizes="64x64" href="/icon-64.png">
<link rel="apple-touch-icon" sizes="180x180" href="/apple-touch-icon.png">
<link rel="icon" type="image/png" sizes="512x512" href="/icon-512.png">
<!-- https://bg-bye-bye.vercel.app/ -->`

const WatermarkText = "bg-bye-bye"

// IconPack 把抠好的图拉伸到各个图标尺寸，附带 premium.txt
func IconPack(src image.Image) ([]File, error) {
	files := make([]File, 0, len(IconSizes)+1)
	for _, s := range IconSizes {
		icon := resize.Resize(uint(s.Size), uint(s.Size), src, resize.Lanczos3)
		data, err := EncodePNG(icon)
		if err != nil {
			return nil, err
		}
		files = append(files, File{Name: s.Name, Data: data})
	}
	files = append(files, File{Name: "premium.txt", Data: []byte(PremiumSnippet)})
	return files, nil
}

// IconPreview 免费预览：512 图标叠加水印
func IconPreview(src image.Image) ([]byte, error) {
	last := IconSizes[len(IconSizes)-1]
	icon := toNRGBA(resize.Resize(uint(last.Size), uint(last.Size), src, resize.Lanczos3))
	Watermark(icon)
	return EncodePNG(icon)
}

// Watermark 在图上平铺半透明文字和斜纹
func Watermark(img *image.NRGBA) {
	b := img.Bounds()
	stripe := &image.Uniform{C: color.NRGBA{R: 255, G: 255, B: 255, A: 60}}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if (x+y)%48 < 4 {
				draw.Draw(img, image.Rect(x, y, x+1, y+1), stripe, image.Point{}, draw.Over)
			}
		}
	}

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: color.NRGBA{R: 0, G: 0, B: 0, A: 140}},
		Face: face,
	}
	textW := d.MeasureString(WatermarkText).Ceil()
	lineH := face.Metrics().Height.Ceil()
	for y := b.Min.Y + lineH; y < b.Max.Y; y += lineH * 4 {
		for x := b.Min.X + 4; x < b.Max.X; x += textW + 24 {
			d.Dot = fixed.P(x, y)
			d.DrawString(WatermarkText)
		}
	}
}
