package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl/internal/provider"
)

type fakeRuntime struct {
	out *bedrockruntime.ConverseOutput
	err error
}

func (f *fakeRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return f.out, f.err
}

func TestNewRequiresRuntimeClient(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "anthropic.claude-3-5-sonnet"})
	require.Error(t, err)
}

func TestNewRequiresDefaultModel(t *testing.T) {
	_, err := New(&fakeRuntime{}, Options{})
	require.Error(t, err)
}

func TestCompleteClassifiesTransportErrorAsUnavailable(t *testing.T) {
	client, err := New(&fakeRuntime{err: errors.New("boom")}, Options{DefaultModel: "anthropic.claude-3-5-sonnet"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), provider.CompleteRequest{Prompt: "hi"})
	require.Error(t, err)

	var perr *provider.Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, provider.ErrorKindUnavailable, perr.Kind)
}

func TestCompleteExtractsTextAndUsageFromConverseOutput(t *testing.T) {
	tokensIn := int32(12)
	tokensOut := int32(7)
	out := &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: "hello"},
				},
			},
		},
		Usage: &brtypes.TokenUsage{
			InputTokens:  &tokensIn,
			OutputTokens: &tokensOut,
		},
		StopReason: brtypes.StopReasonEndTurn,
	}
	client, err := New(&fakeRuntime{out: out}, Options{DefaultModel: "anthropic.claude-3-5-sonnet"})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), provider.CompleteRequest{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Text)
	require.Equal(t, 12, resp.TokensIn)
	require.Equal(t, 7, resp.TokensOut)
	require.Equal(t, "bedrock", resp.Fingerprint.Provider)
}

func TestEmbedIsUnsupported(t *testing.T) {
	client, err := New(&fakeRuntime{}, Options{DefaultModel: "anthropic.claude-3-5-sonnet"})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), provider.EmbedRequest{Texts: []string{"x"}})
	require.Error(t, err)

	var perr *provider.Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, provider.ErrorKindInvalidRequest, perr.Kind)
}

func TestSearchIsUnsupported(t *testing.T) {
	client, err := New(&fakeRuntime{}, Options{DefaultModel: "anthropic.claude-3-5-sonnet"})
	require.NoError(t, err)

	_, err = client.Search(context.Background(), provider.SearchRequest{K: 3})
	require.Error(t, err)

	var perr *provider.Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, provider.ErrorKindInvalidRequest, perr.Kind)
}
