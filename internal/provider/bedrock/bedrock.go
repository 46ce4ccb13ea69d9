// Package bedrock implements provider.Gateway's Complete capability on top
// of the AWS Bedrock Converse API, adapted from the teacher's
// features/model/bedrock.Client: the RuntimeClient narrowing seam over
// *bedrockruntime.Client, system/conversational message splitting, and
// Converse response translation.
package bedrock

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/sibylhq/sibyl/internal/provider"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used by
// the adapter, satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements provider.Gateway's Complete method against Bedrock
// Converse. Embed and Search are not supported by this provider.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int
	temperature  float32
}

// New builds a Client from a Bedrock runtime client.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

var _ provider.Gateway = (*Client)(nil)

func (c *Client) Complete(ctx context.Context, req provider.CompleteRequest) (provider.CompleteResponse, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []brtypes.Message{
			{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: req.Prompt},
				},
			},
		},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	infCfg := &brtypes.InferenceConfiguration{}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		mt := int32(maxTokens)
		infCfg.MaxTokens = &mt
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	if temp > 0 {
		infCfg.Temperature = &temp
	}
	input.InferenceConfig = infCfg

	start := time.Now()
	out, err := c.runtime.Converse(ctx, input)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return provider.CompleteResponse{}, &provider.Error{
			Provider: "bedrock", Operation: "converse",
			Kind: provider.ErrorKindUnavailable, Retryable: true, Cause: err,
		}
	}

	var text string
	if msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msgOutput.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text += tb.Value
			}
		}
	}
	var tokensIn, tokensOut int
	if out.Usage != nil {
		if out.Usage.InputTokens != nil {
			tokensIn = int(*out.Usage.InputTokens)
		}
		if out.Usage.OutputTokens != nil {
			tokensOut = int(*out.Usage.OutputTokens)
		}
	}
	return provider.CompleteResponse{
		Text:      text,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Fingerprint: provider.Fingerprint{
			Provider: "bedrock",
			Model:    modelID,
			Version:  "converse-2024",
		},
		LatencyMs:    latency,
		FinishReason: string(out.StopReason),
	}, nil
}

func (c *Client) Embed(context.Context, provider.EmbedRequest) (provider.EmbedResponse, error) {
	return provider.EmbedResponse{}, &provider.Error{
		Provider: "bedrock", Operation: "embed",
		Kind: provider.ErrorKindInvalidRequest, Message: "bedrock adapter does not support embeddings",
	}
}

func (c *Client) Search(context.Context, provider.SearchRequest) ([]provider.SearchResult, error) {
	return nil, &provider.Error{
		Provider: "bedrock", Operation: "search",
		Kind: provider.ErrorKindInvalidRequest, Message: "bedrock adapter does not support vector search",
	}
}
