package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	openai "github.com/sashabaranov/go-openai"
)

// RemoteError carries the HTTP status of a failed remote call so the
// retry policy can classify it without knowing the client library.
type RemoteError struct {
	Status int
	Err    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote embedding status %d: %v", e.Status, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// OpenAIClient calls the OpenAI embeddings endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
	dim    int
}

func NewOpenAIClient(apiKey, baseURL, model string, dim int) (*OpenAIClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, goerr.New("openai api key is required")
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.AdaEmbeddingV2)
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		model:  model,
		dim:    dim,
	}, nil
}

func (c *OpenAIClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.model),
	}
	// ada-002 has a fixed size and rejects the dimensions parameter.
	if c.dim > 0 && c.model != string(openai.AdaEmbeddingV2) {
		req.Dimensions = c.dim
	}

	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, goerr.Wrap(withStatus(err), "create embeddings", goerr.V("model", c.model), goerr.V("texts", len(texts)))
	}

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, goerr.New("embedding index out of range", goerr.V("index", item.Index))
		}
		out[item.Index] = item.Embedding
	}
	for i, vec := range out {
		if vec == nil {
			return nil, goerr.New("embedding missing from response", goerr.V("index", i))
		}
	}
	return out, nil
}

func withStatus(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &RemoteError{Status: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &RemoteError{Status: reqErr.HTTPStatusCode, Err: err}
	}
	return err
}
