package services

import (
	"context"
	"errors"
	"fmt"
	"image"

	"bgbyebye/internal/imaging"
)

// Asset 生成的下载文件
type Asset struct {
	Filename    string
	ContentType string
	Data        []byte
}

func decodeSource(data []byte) (*image.NRGBA, error) {
	img, err := imaging.Decode(data)
	if err != nil {
		if errors.Is(err, imaging.ErrDecode) || errors.Is(err, imaging.ErrEmptyImage) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil, err
	}
	return img, nil
}

// IconPack 预览带水印且免费；完整图标包仅限会员
func (s *Service) IconPack(ctx context.Context, clientID string, data []byte, preview bool) (Asset, error) {
	src, err := decodeSource(data)
	if err != nil {
		return Asset{}, err
	}
	if preview {
		png, err := imaging.IconPreview(src)
		if err != nil {
			return Asset{}, err
		}
		return Asset{Filename: "icon-preview.png", ContentType: "image/png", Data: png}, nil
	}

	if !s.store.Load(ctx, clientID).IsPremium {
		return Asset{}, ErrPremiumRequired
	}
	files, err := imaging.IconPack(src)
	if err != nil {
		return Asset{}, err
	}
	archive, err := imaging.Zip(files)
	if err != nil {
		return Asset{}, err
	}
	return Asset{Filename: "premium-pack.zip", ContentType: "application/zip", Data: archive}, nil
}

func (s *Service) SocialKit(ctx context.Context, data []byte) (Asset, error) {
	src, err := decodeSource(data)
	if err != nil {
		return Asset{}, err
	}
	files, err := imaging.SocialKit(src)
	if err != nil {
		return Asset{}, err
	}
	archive, err := imaging.Zip(files)
	if err != nil {
		return Asset{}, err
	}
	return Asset{Filename: "social-media-kit.zip", ContentType: "application/zip", Data: archive}, nil
}
