// Package gateway is the boundary to the AI inference backends: a
// vision-capable completion endpoint for spec sheets and name/tag
// extraction, and a diffusion endpoint for on-model image generation.
package gateway

import "context"

// NameAndTags is the structured result of the name/tag extraction call.
type NameAndTags struct {
	ProductName string
	Tags        map[string]string
}

// Client is what the workflow layer programs against. Implementations
// return typed errors; callers never parse error strings out of values.
type Client interface {
	// GenerateSpecText describes the uploaded garment photos as a textual
	// spec sheet using the given prompt template.
	GenerateSpecText(ctx context.Context, imagePaths []string, promptTemplate string) (string, error)

	// GenerateNameAndTags extracts a product name and a key/value tag map.
	// Malformed model output degrades to a parsing-error placeholder rather
	// than an error: the pipeline continues without metadata.
	GenerateNameAndTags(ctx context.Context, imagePaths []string, promptTemplate string) (NameAndTags, error)

	// GenerateImage renders the prompt and returns the path of the image
	// file written to local storage.
	GenerateImage(ctx context.Context, prompt, productCode string) (string, error)
}
