package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/atelierkit/onmodel/internal/config"
)

// ParsingErrorName is the placeholder product name stored when the model
// returns output we cannot extract a name from.
const ParsingErrorName = "AI Parsing Error"

// HTTPClient talks to an OpenAI-compatible completion endpoint and a
// Stable-Diffusion-WebUI-style txt2img endpoint. The resty client is
// injected at construction; there is no package-level client state.
type HTTPClient struct {
	rest         *resty.Client
	cfg          config.AIConfig
	generatedDir string
}

func NewHTTPClient(rest *resty.Client, cfg config.AIConfig, generatedDir string) *HTTPClient {
	if rest == nil {
		rest = resty.New().SetTimeout(120 * time.Second)
	}
	if key := os.Getenv(cfg.APIKeyEnv); key != "" {
		rest.SetHeader("Authorization", "Bearer "+key)
	}
	return &HTTPClient{rest: rest, cfg: cfg, generatedDir: generatedDir}
}

var _ Client = (*HTTPClient)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *HTTPClient) GenerateSpecText(ctx context.Context, imagePaths []string, promptTemplate string) (string, error) {
	return c.complete(ctx, imagePaths, promptTemplate)
}

func (c *HTTPClient) GenerateNameAndTags(ctx context.Context, imagePaths []string, promptTemplate string) (NameAndTags, error) {
	raw, err := c.complete(ctx, imagePaths, promptTemplate)
	if err != nil {
		return NameAndTags{}, err
	}
	return parseNameAndTags(raw), nil
}

// parseNameAndTags tolerates non-JSON and partially-JSON model output: it
// looks for the outermost object in the text and reads what it can from it.
func parseNameAndTags(raw string) NameAndTags {
	fallback := NameAndTags{ProductName: ParsingErrorName, Tags: map[string]string{}}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return fallback
	}

	doc := gjson.Parse(raw[start : end+1])
	name := doc.Get("product_name")
	if !name.Exists() || name.String() == "" {
		return fallback
	}

	tags := map[string]string{}
	doc.Get("tags").ForEach(func(key, value gjson.Result) bool {
		tags[key.String()] = value.String()
		return true
	})

	return NameAndTags{ProductName: name.String(), Tags: tags}
}

func (c *HTTPClient) complete(ctx context.Context, imagePaths []string, promptTemplate string) (string, error) {
	content := []map[string]any{
		{"type": "text", "text": promptTemplate},
	}
	for _, path := range imagePaths {
		encoded, err := encodeImage(path)
		if err != nil {
			return "", fmt.Errorf("encode image %s: %w", path, err)
		}
		content = append(content, map[string]any{
			"type":      "image_url",
			"image_url": map[string]string{"url": "data:image/jpeg;base64," + encoded},
		})
	}

	var result chatResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(chatRequest{
			Model:    c.cfg.CompletionModel,
			Messages: []chatMessage{{Role: "user", Content: content}},
		}).
		SetResult(&result).
		Post(c.cfg.CompletionEndpoint)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("completion API error (status %d): %s", resp.StatusCode(), resp.String())
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("completion API returned no choices")
	}

	return result.Choices[0].Message.Content, nil
}

type txt2imgRequest struct {
	Prompt string `json:"prompt"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Steps  int    `json:"steps"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

func (c *HTTPClient) GenerateImage(ctx context.Context, prompt, productCode string) (string, error) {
	var result txt2imgResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(txt2imgRequest{Prompt: prompt, Width: 768, Height: 1024, Steps: 30}).
		SetResult(&result).
		Post(c.cfg.ImageEndpoint)
	if err != nil {
		return "", fmt.Errorf("image request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("image API error (status %d): %s", resp.StatusCode(), resp.String())
	}
	if len(result.Images) == 0 {
		return "", fmt.Errorf("image API returned no images")
	}

	data, err := base64.StdEncoding.DecodeString(result.Images[0])
	if err != nil {
		return "", fmt.Errorf("decode generated image: %w", err)
	}

	if err := os.MkdirAll(c.generatedDir, 0755); err != nil {
		return "", err
	}

	path := filepath.Join(c.generatedDir, fmt.Sprintf("%s_%d.png", productCode, time.Now().Unix()))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write generated image: %w", err)
	}

	return path, nil
}

func encodeImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
