package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const RemoveBGBaseURL = "https://api.remove.bg"

// RemoveBG remove.bg REST 接口，直接返回 PNG 字节
type RemoveBG struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

func NewRemoveBG(baseURL, apiKey string, timeout time.Duration, client *http.Client) *RemoveBG {
	if client == nil {
		client = &http.Client{}
	}
	return &RemoveBG{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, timeout: timeout, client: client}
}

type removeBGRequest struct {
	ImageFileB64 string `json:"image_file_b64,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	Size         string `json:"size"`
	Format       string `json:"format"`
}

type removeBGError struct {
	Errors []struct {
		Title string `json:"title"`
		Code  string `json:"code"`
	} `json:"errors"`
}

func (r *RemoveBG) Remove(ctx context.Context, in Input) (Output, error) {
	return withTimeout(ctx, r.timeout, "removebg", in, func(ctx context.Context) (Output, error) {
		body := removeBGRequest{Size: "auto", Format: "png"}
		if in.Endpoint == EndpointText {
			body.ImageURL = in.URL
		} else {
			body.ImageFileB64 = base64.StdEncoding.EncodeToString(in.Data)
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return Output{}, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1.0/removebg", bytes.NewReader(payload))
		if err != nil {
			return Output{}, err
		}
		req.Header.Set("X-Api-Key", r.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "image/png")

		resp, err := r.client.Do(req)
		if err != nil {
			return Output{}, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return Output{}, err
		}
		if resp.StatusCode >= 300 {
			var apiErr removeBGError
			if json.Unmarshal(data, &apiErr) == nil && len(apiErr.Errors) > 0 {
				return Output{}, fmt.Errorf("%w: %s", ErrUpstream, apiErr.Errors[0].Title)
			}
			return Output{}, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
		}
		return Output{
			Provider: "removebg",
			Images:   []Image{{Data: data, MimeType: "image/png"}},
		}, nil
	})
}
