// Package anthropic implements provider.Gateway's Complete capability on top
// of the Anthropic Claude Messages API, adapted from the teacher's
// features/model/anthropic.Client: the same MessagesClient seam (so a mock
// can stand in for *sdk.MessageService in tests), the same rate-limit
// classification, the same translateResponse usage-mapping shape.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sibylhq/sibyl/internal/provider"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
	Version      string
}

// Client implements provider.Gateway's Complete method against Claude
// Messages. Embed and Search are not supported by this provider and return
// provider.ErrorKindInvalidRequest.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
	version      string
}

// New builds a Client from an Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
		version:      opts.Version,
	}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

var _ provider.Gateway = (*Client)(nil)

// ErrRateLimited is returned (wrapped) when the underlying transport reports
// a 429. Mirrors the teacher's model.ErrRateLimited sentinel: a thin HTTP
// client wrapping the SDK is expected to classify the raw error and wrap it
// in this sentinel before it reaches Complete.
var ErrRateLimited = errors.New("anthropic: rate limited")

func (c *Client) Complete(ctx context.Context, req provider.CompleteRequest) (provider.CompleteResponse, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens <= 0 {
		return provider.CompleteResponse{}, errors.New("anthropic: max_tokens must be positive")
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     sdk.Model(modelID),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	temp := float64(req.Temperature)
	if temp == 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}

	start := time.Now()
	msg, err := c.msg.New(ctx, params)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return provider.CompleteResponse{}, &provider.Error{
				Provider: "anthropic", Operation: "messages.new",
				Kind: provider.ErrorKindRateLimited, Retryable: true, Cause: err,
			}
		}
		return provider.CompleteResponse{}, &provider.Error{
			Provider: "anthropic", Operation: "messages.new",
			Kind: provider.ErrorKindUnavailable, Retryable: true,
			Message: fmt.Sprintf("messages.new: %v", err), Cause: err,
		}
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	version := c.version
	if version == "" {
		version = "messages-2023-06-01"
	}
	return provider.CompleteResponse{
		Text:      text,
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
		Fingerprint: provider.Fingerprint{
			Provider: "anthropic",
			Model:    modelID,
			Version:  version,
		},
		LatencyMs:    latency,
		FinishReason: string(msg.StopReason),
	}, nil
}

func (c *Client) Embed(context.Context, provider.EmbedRequest) (provider.EmbedResponse, error) {
	return provider.EmbedResponse{}, &provider.Error{
		Provider: "anthropic", Operation: "embed",
		Kind: provider.ErrorKindInvalidRequest, Message: "anthropic adapter does not support embeddings",
	}
}

func (c *Client) Search(context.Context, provider.SearchRequest) ([]provider.SearchResult, error) {
	return nil, &provider.Error{
		Provider: "anthropic", Operation: "search",
		Kind: provider.ErrorKindInvalidRequest, Message: "anthropic adapter does not support vector search",
	}
}
