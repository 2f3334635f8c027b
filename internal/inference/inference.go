// Package inference 调用外部抠图模型服务
package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bgbyebye/internal/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Endpoint string

const (
	EndpointImage Endpoint = "/image"
	EndpointPNG   Endpoint = "/png"
	EndpointText  Endpoint = "/text"
)

var (
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrInvalidInput    = errors.New("no valid image provided")
	ErrNotConfigured   = errors.New("inference provider not configured")
	ErrTimeout         = errors.New("inference request timed out")
	ErrUpstream        = errors.New("inference service failed")
)

func ParseEndpoint(raw string) (Endpoint, error) {
	switch Endpoint(raw) {
	case "":
		return EndpointImage, nil
	case EndpointImage, EndpointPNG, EndpointText:
		return Endpoint(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
	}
}

// Input 文件或 URL 二选一；URL 只能走 /text
type Input struct {
	Endpoint    Endpoint
	Filename    string
	ContentType string
	Data        []byte
	URL         string
}

func (in Input) validate() error {
	if in.Endpoint == EndpointText {
		if in.URL == "" {
			return ErrInvalidInput
		}
		return nil
	}
	if len(in.Data) == 0 {
		return ErrInvalidInput
	}
	return nil
}

// Image 模型输出，URL 与 Data 至少有一个
type Image struct {
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type,omitempty"`
}

type Output struct {
	Provider string  `json:"provider"`
	Images   []Image `json:"images"`
}

type Remover interface {
	Remove(ctx context.Context, in Input) (Output, error)
}

var latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "bgbyebye",
	Subsystem: "inference",
	Name:      "request_duration_seconds",
	Help:      "Background removal request latency.",
	Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
}, []string{"provider", "endpoint", "result"})

// withTimeout 统一超时处理并记录耗时
func withTimeout(ctx context.Context, timeout time.Duration, provider string, in Input, call func(context.Context) (Output, error)) (Output, error) {
	if err := in.validate(); err != nil {
		return Output{}, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	out, err := call(ctx)
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result = "timeout"
			err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
	}
	latency.WithLabelValues(provider, string(in.Endpoint), result).Observe(time.Since(start).Seconds())
	return out, err
}

// New 按配置创建模型客户端
func New(cfg config.Config) (Remover, error) {
	httpClient := &http.Client{}
	switch cfg.InferenceProvider {
	case config.InferenceGradio, "":
		return NewGradio(cfg.GradioBaseURL, cfg.GradioAPIKey, cfg.InferenceTimeout(), httpClient), nil
	case config.InferenceRemoveBG:
		if cfg.RemoveBGAPIKey == "" {
			return nil, ErrNotConfigured
		}
		return NewRemoveBG(RemoveBGBaseURL, cfg.RemoveBGAPIKey, cfg.InferenceTimeout(), httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported inference provider: %q", cfg.InferenceProvider)
	}
}
