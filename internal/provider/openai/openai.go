// Package openai implements provider.Gateway's Complete and Embed
// capabilities on top of github.com/openai/openai-go, following the same
// narrow-interface-over-the-SDK-client seam the teacher uses for its other
// provider adapters (features/model/anthropic, features/model/bedrock): a
// small interface satisfied by the real SDK service so tests can substitute
// a fake.
package openai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/sibylhq/sibyl/internal/provider"
)

// ChatClient mirrors the subset of the OpenAI SDK chat completions service
// used by the adapter, satisfied by openai.Client.Chat.Completions.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// EmbeddingsClient mirrors the subset used for Embed.
type EmbeddingsClient interface {
	New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	DefaultModel    string
	EmbeddingsModel string
	MaxTokens       int
	Temperature     float64
}

// Client implements provider.Gateway's Complete and Embed methods against
// the OpenAI chat/embeddings APIs. Search is not supported by this provider.
type Client struct {
	chat         ChatClient
	embeddings   EmbeddingsClient
	defaultModel string
	embedModel   string
	maxTokens    int
	temperature  float64
}

// New builds a Client from OpenAI SDK service clients.
func New(chat ChatClient, embeddings EmbeddingsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{
		chat:         chat,
		embeddings:   embeddings,
		defaultModel: opts.DefaultModel,
		embedModel:   opts.EmbeddingsModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a Client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel, embeddingsModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, &c.Embeddings, Options{
		DefaultModel:    defaultModel,
		EmbeddingsModel: embeddingsModel,
	})
}

var _ provider.Gateway = (*Client)(nil)

func (c *Client) Complete(ctx context.Context, req provider.CompleteRequest) (provider.CompleteResponse, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: messages,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	temp := float64(req.Temperature)
	if temp == 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = openai.Float(temp)
	}
	if req.Seed != nil {
		params.Seed = openai.Int(*req.Seed)
	}

	start := time.Now()
	resp, err := c.chat.New(ctx, params)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return provider.CompleteResponse{}, &provider.Error{
			Provider: "openai", Operation: "chat.completions.new",
			Kind: provider.ErrorKindUnavailable, Retryable: true, Cause: err,
		}
	}
	if len(resp.Choices) == 0 {
		return provider.CompleteResponse{}, &provider.Error{
			Provider: "openai", Operation: "chat.completions.new",
			Kind: provider.ErrorKindUnknown, Message: "no choices returned",
		}
	}
	choice := resp.Choices[0]
	return provider.CompleteResponse{
		Text:      choice.Message.Content,
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
		Fingerprint: provider.Fingerprint{
			Provider: "openai",
			Model:    modelID,
			Version:  resp.SystemFingerprint,
		},
		LatencyMs:    latency,
		FinishReason: string(choice.FinishReason),
	}, nil
}

func (c *Client) Embed(ctx context.Context, req provider.EmbedRequest) (provider.EmbedResponse, error) {
	if c.embeddings == nil {
		return provider.EmbedResponse{}, &provider.Error{
			Provider: "openai", Operation: "embed",
			Kind: provider.ErrorKindInvalidRequest, Message: "embeddings client not configured",
		}
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.embedModel
	}
	if modelID == "" {
		return provider.EmbedResponse{}, &provider.Error{
			Provider: "openai", Operation: "embed",
			Kind: provider.ErrorKindInvalidRequest, Message: "embeddings model is required",
		}
	}
	resp, err := c.embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: modelID,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Texts,
		},
	})
	if err != nil {
		return provider.EmbedResponse{}, &provider.Error{
			Provider: "openai", Operation: "embeddings.new",
			Kind: provider.ErrorKindUnavailable, Retryable: true, Cause: err,
		}
	}
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}
	return provider.EmbedResponse{
		Vectors: vectors,
		Fingerprint: provider.Fingerprint{
			Provider: "openai",
			Model:    modelID,
			Version:  resp.Model,
		},
	}, nil
}

func (c *Client) Search(context.Context, provider.SearchRequest) ([]provider.SearchResult, error) {
	return nil, &provider.Error{
		Provider: "openai", Operation: "search",
		Kind: provider.ErrorKindInvalidRequest, Message: "openai adapter does not support vector search",
	}
}
