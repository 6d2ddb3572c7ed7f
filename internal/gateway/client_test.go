package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierkit/onmodel/internal/config"
)

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req["model"])

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
}

func newClient(cfg config.AIConfig, generatedDir string) *HTTPClient {
	return NewHTTPClient(nil, cfg, generatedDir)
}

func TestGenerateSpecText(t *testing.T) {
	srv := chatServer(t, "A blue cotton shirt with short sleeves.")
	defer srv.Close()

	img := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpegdata"), 0644))

	client := newClient(config.AIConfig{CompletionEndpoint: srv.URL, CompletionModel: "gpt-4o"}, t.TempDir())

	text, err := client.GenerateSpecText(context.Background(), []string{img}, "Describe this garment.")
	require.NoError(t, err)
	assert.Equal(t, "A blue cotton shirt with short sleeves.", text)
}

func TestGenerateSpecTextAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newClient(config.AIConfig{CompletionEndpoint: srv.URL, CompletionModel: "gpt-4o"}, t.TempDir())

	_, err := client.GenerateSpecText(context.Background(), nil, "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestGenerateSpecTextMissingImage(t *testing.T) {
	client := newClient(config.AIConfig{CompletionEndpoint: "http://unused"}, t.TempDir())

	_, err := client.GenerateSpecText(context.Background(), []string{"/no/such/file.jpg"}, "prompt")
	assert.Error(t, err)
}

func TestGenerateNameAndTags(t *testing.T) {
	srv := chatServer(t, `Here you go: {"product_name": "Blue Shirt", "tags": {"color": "blue", "material": "cotton"}} hope that helps!`)
	defer srv.Close()

	client := newClient(config.AIConfig{CompletionEndpoint: srv.URL, CompletionModel: "gpt-4o"}, t.TempDir())

	nt, err := client.GenerateNameAndTags(context.Background(), nil, "prompt")
	require.NoError(t, err)
	assert.Equal(t, "Blue Shirt", nt.ProductName)
	assert.Equal(t, map[string]string{"color": "blue", "material": "cotton"}, nt.Tags)
}

// Malformed model output degrades to the placeholder instead of an error.
func TestGenerateNameAndTagsMalformedOutput(t *testing.T) {
	srv := chatServer(t, "Sorry, I can't produce JSON today.")
	defer srv.Close()

	client := newClient(config.AIConfig{CompletionEndpoint: srv.URL, CompletionModel: "gpt-4o"}, t.TempDir())

	nt, err := client.GenerateNameAndTags(context.Background(), nil, "prompt")
	require.NoError(t, err)
	assert.Equal(t, ParsingErrorName, nt.ProductName)
	assert.Empty(t, nt.Tags)
}

func TestParseNameAndTags(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want NameAndTags
	}{
		{
			name: "clean json",
			raw:  `{"product_name": "Silk Scarf", "tags": {"color": "red"}}`,
			want: NameAndTags{ProductName: "Silk Scarf", Tags: map[string]string{"color": "red"}},
		},
		{
			name: "json wrapped in prose",
			raw:  "Sure! ```json\n{\"product_name\": \"Wool Coat\", \"tags\": {}}\n``` done",
			want: NameAndTags{ProductName: "Wool Coat", Tags: map[string]string{}},
		},
		{
			name: "missing tags key",
			raw:  `{"product_name": "Linen Dress"}`,
			want: NameAndTags{ProductName: "Linen Dress", Tags: map[string]string{}},
		},
		{
			name: "no json at all",
			raw:  "I am just text",
			want: NameAndTags{ProductName: ParsingErrorName, Tags: map[string]string{}},
		},
		{
			name: "json without product name",
			raw:  `{"tags": {"color": "blue"}}`,
			want: NameAndTags{ProductName: ParsingErrorName, Tags: map[string]string{}},
		},
		{
			name: "empty",
			raw:  "",
			want: NameAndTags{ProductName: ParsingErrorName, Tags: map[string]string{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseNameAndTags(tt.raw))
		})
	}
}

func TestGenerateImage(t *testing.T) {
	pngData := []byte("\x89PNG fake image bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "studio prompt", req["prompt"])

		json.NewEncoder(w).Encode(map[string]any{
			"images": []string{base64.StdEncoding.EncodeToString(pngData)},
		})
	}))
	defer srv.Close()

	outDir := t.TempDir()
	client := newClient(config.AIConfig{ImageEndpoint: srv.URL}, outDir)

	path, err := client.GenerateImage(context.Background(), "studio prompt", "SKU-IMG1")
	require.NoError(t, err)
	assert.Equal(t, outDir, filepath.Dir(path))
	assert.Contains(t, filepath.Base(path), "SKU-IMG1_")

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngData, written)
}

func TestGenerateImageBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newClient(config.AIConfig{ImageEndpoint: srv.URL}, t.TempDir())

	_, err := client.GenerateImage(context.Background(), "prompt", "SKU-IMG2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestGenerateImageEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"images": []string{}})
	}))
	defer srv.Close()

	client := newClient(config.AIConfig{ImageEndpoint: srv.URL}, t.TempDir())

	_, err := client.GenerateImage(context.Background(), "prompt", "SKU-IMG3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no images")
}
