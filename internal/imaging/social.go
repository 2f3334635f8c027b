package imaging

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

type Background int

const (
	BackgroundTransparent Background = iota
	BackgroundSolid
	BackgroundGradient
	BackgroundBubble
)

// Preset 一种社交平台尺寸
type Preset struct {
	Key    string
	File   string
	Width  int
	Height int
	Kind   Background
	Color  string
	// 渐变终点色，仅 BackgroundGradient 使用
	ColorTo string
}

var SocialPresets = []Preset{
	{Key: "facebookCover", File: "facebook-cover.png", Width: 820, Height: 312, Kind: BackgroundGradient, Color: "#4ade80", ColorTo: "#22d3ee"},
	{Key: "profilePic", File: "profile-picture.png", Width: 400, Height: 400, Kind: BackgroundTransparent},
	{Key: "snapchatBubble", File: "snapchat-bubble.png", Width: 400, Height: 400, Kind: BackgroundBubble, Color: "#FFFC00"},
	{Key: "instagramPost", File: "instagram-post.png", Width: 1080, Height: 1080, Kind: BackgroundSolid, Color: "#ffffff"},
	{Key: "instagramStory", File: "instagram-story.png", Width: 1080, Height: 1920, Kind: BackgroundSolid, Color: "#ffffff"},
	{Key: "twitterHeader", File: "twitter-header.png", Width: 1500, Height: 500, Kind: BackgroundSolid, Color: "#1DA1F2"},
	{Key: "youtubeThumb", File: "youtube-thumbnail.png", Width: 1280, Height: 720, Kind: BackgroundSolid, Color: "#000000"},
	{Key: "linkedinBanner", File: "linkedin-banner.png", Width: 1584, Height: 396, Kind: BackgroundSolid, Color: "#0077B5"},
	{Key: "tiktokProfile", File: "tiktok-profile.png", Width: 200, Height: 200, Kind: BackgroundSolid, Color: "#000000"},
	{Key: "pinterestPin", File: "pinterest-pin.png", Width: 1000, Height: 1500, Kind: BackgroundSolid, Color: "#ffffff"},
	{Key: "discordServerIcon", File: "discord-server-icon.png", Width: 512, Height: 512, Kind: BackgroundSolid, Color: "#5865F2"},
	{Key: "whatsappProfile", File: "whatsapp-profile.png", Width: 192, Height: 192, Kind: BackgroundSolid, Color: "#25D366"},
	{Key: "telegramProfile", File: "telegram-profile.png", Width: 200, Height: 200, Kind: BackgroundSolid, Color: "#0088cc"},
	{Key: "redditIcon", File: "reddit-icon.png", Width: 256, Height: 256, Kind: BackgroundSolid, Color: "#FF4500"},
}

// Render 按预设绘制背景，再把源图等比缩放居中放入
func (p Preset) Render(src image.Image) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, p.Width, p.Height))
	switch p.Kind {
	case BackgroundSolid:
		fill(dst, parseHex(p.Color))
	case BackgroundGradient:
		gradient(dst, parseHex(p.Color), parseHex(p.ColorTo))
	case BackgroundBubble:
		fill(dst, parseHex(p.Color))
		bubble(dst)
	}
	sb := src.Bounds()
	target := containRect(sb.Dx(), sb.Dy(), p.Width, p.Height)
	draw.CatmullRom.Scale(dst, target, src, sb, draw.Over, nil)
	return dst
}

// SocialKit 生成全部社交平台图片
func SocialKit(src image.Image) ([]File, error) {
	files := make([]File, 0, len(SocialPresets))
	for _, p := range SocialPresets {
		data, err := EncodePNG(p.Render(src))
		if err != nil {
			return nil, err
		}
		files = append(files, File{Name: p.File, Data: data})
	}
	return files, nil
}

// gradient 左上到右下的线性渐变
func gradient(dst *image.NRGBA, from, to color.NRGBA) {
	b := dst.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	denom := w*w + h*h
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			t := (float64(x)*w + float64(y)*h) / denom
			dst.SetNRGBA(x, y, color.NRGBA{
				R: lerp(from.R, to.R, t),
				G: lerp(from.G, to.G, t),
				B: lerp(from.B, to.B, t),
				A: 255,
			})
		}
	}
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(float64(a) + (float64(b)-float64(a))*t + 0.5)
}

// bubble 白色对话气泡，顶点按画布比例给出
func bubble(dst *image.NRGBA) {
	w, h := float64(dst.Bounds().Dx()), float64(dst.Bounds().Dy())
	poly := [][2]float64{
		{0.1, 0.1}, {0.9, 0.1}, {0.9, 0.7}, {0.6, 0.7}, {0.5, 0.9}, {0.4, 0.7}, {0.1, 0.7},
	}
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	for y := 0; y < dst.Bounds().Dy(); y++ {
		for x := 0; x < dst.Bounds().Dx(); x++ {
			if insidePolygon(poly, (float64(x)+0.5)/w, (float64(y)+0.5)/h) {
				dst.SetNRGBA(x, y, white)
			}
		}
	}
}

func insidePolygon(poly [][2]float64, x, y float64) bool {
	inside := false
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		xi, yi := poly[i][0], poly[i][1]
		xj, yj := poly[j][0], poly[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}
