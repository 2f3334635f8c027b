package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Gradio 调用托管在 Hugging Face Space 上的 Gradio 应用：上传文件，发起调用，再读取 SSE 结果
type Gradio struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
}

func NewGradio(baseURL, token string, timeout time.Duration, client *http.Client) *Gradio {
	if client == nil {
		client = &http.Client{}
	}
	return &Gradio{baseURL: strings.TrimRight(baseURL, "/"), token: token, timeout: timeout, client: client}
}

type gradioFile struct {
	Path string            `json:"path"`
	Meta map[string]string `json:"meta"`
}

func (g *Gradio) Remove(ctx context.Context, in Input) (Output, error) {
	return withTimeout(ctx, g.timeout, "gradio", in, func(ctx context.Context) (Output, error) {
		var arg any
		if in.Endpoint == EndpointText {
			arg = in.URL
		} else {
			path, err := g.upload(ctx, in)
			if err != nil {
				return Output{}, err
			}
			arg = gradioFile{Path: path, Meta: map[string]string{"_type": "gradio.FileData"}}
		}

		eventID, err := g.call(ctx, in.Endpoint, arg)
		if err != nil {
			return Output{}, err
		}
		data, err := g.result(ctx, in.Endpoint, eventID)
		if err != nil {
			return Output{}, err
		}
		images := collectImages(data, g.baseURL)
		if len(images) == 0 {
			return Output{}, fmt.Errorf("%w: empty result", ErrUpstream)
		}
		log.Debug().Str("endpoint", string(in.Endpoint)).Str("event_id", eventID).Int("images", len(images)).Msg("gradio prediction complete")
		return Output{Provider: "gradio", Images: images}, nil
	})
}

func (g *Gradio) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	return req, nil
}

func (g *Gradio) upload(ctx context.Context, in Input) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	name := in.Filename
	if name == "" {
		name = "image.png"
	}
	part, err := mw.CreateFormFile("files", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(in.Data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := g.newRequest(ctx, http.MethodPost, "/gradio_api/upload", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var paths []string
	if err := g.doJSON(req, &paths); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("%w: upload returned no path", ErrUpstream)
	}
	return paths[0], nil
}

func (g *Gradio) call(ctx context.Context, endpoint Endpoint, arg any) (string, error) {
	payload, err := json.Marshal(map[string]any{"data": []any{arg}})
	if err != nil {
		return "", err
	}
	req, err := g.newRequest(ctx, http.MethodPost, "/gradio_api/call"+string(endpoint), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := g.doJSON(req, &resp); err != nil {
		return "", fmt.Errorf("call %s: %w", endpoint, err)
	}
	if resp.EventID == "" {
		return "", fmt.Errorf("%w: missing event id", ErrUpstream)
	}
	return resp.EventID, nil
}

// result 读取 SSE 流直到 complete 或 error 事件
func (g *Gradio) result(ctx context.Context, endpoint Endpoint, eventID string) (json.RawMessage, error) {
	req, err := g.newRequest(ctx, http.MethodGet, "/gradio_api/call"+string(endpoint)+"/"+eventID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "complete":
				return json.RawMessage(data), nil
			case "error":
				return nil, fmt.Errorf("%w: %s", ErrUpstream, data)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: stream ended without result", ErrUpstream)
}

func (g *Gradio) doJSON(req *http.Request, out any) error {
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

// collectImages 从 Gradio 输出中取出所有图片地址，输出可能是 FileData、字符串或嵌套数组
func collectImages(raw json.RawMessage, baseURL string) []Image {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	var images []Image
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			url, _ := t["url"].(string)
			if url == "" {
				if path, ok := t["path"].(string); ok && path != "" {
					url = baseURL + "/gradio_api/file=" + path
				}
			}
			if url != "" {
				mime, _ := t["mime_type"].(string)
				images = append(images, Image{URL: url, MimeType: mime})
			}
		case string:
			if strings.HasPrefix(t, "http://") || strings.HasPrefix(t, "https://") || strings.HasPrefix(t, "data:image/") {
				images = append(images, Image{URL: t})
			}
		}
	}
	walk(value)
	return images
}
