package llm

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConverse struct {
	in  *bedrockruntime.ConverseInput
	out *bedrockruntime.ConverseOutput
	err error
}

func (f *fakeConverse) Converse(ctx context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.in = in
	return f.out, f.err
}

func TestBedrockChat(t *testing.T) {
	fake := &fakeConverse{out: &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "part one, "},
				&types.ContentBlockMemberText{Value: "part two"},
			},
		}},
		StopReason: types.StopReasonEndTurn,
		Usage: &types.TokenUsage{
			InputTokens:  aws.Int32(12),
			OutputTokens: aws.Int32(4),
			TotalTokens:  aws.Int32(16),
		},
	}}
	p := newBedrockWithClient(Config{}, fake)

	resp, err := p.Chat(context.Background(), ChatRequest{
		System:   "You summarise regulations.",
		Messages: []Message{{Role: "user", Content: "Summarise MiFID II."}},
	})
	require.NoError(t, err)

	assert.Equal(t, "part one, part two", resp.Content)
	assert.Equal(t, defaultBedrockModel, resp.Model)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 16, resp.TotalTokens)

	require.NotNil(t, fake.in)
	assert.Equal(t, defaultBedrockModel, aws.ToString(fake.in.ModelId))
	assert.Len(t, fake.in.System, 1)
	require.Len(t, fake.in.Messages, 1)
	assert.Equal(t, types.ConversationRoleUser, fake.in.Messages[0].Role)
	assert.Equal(t, int32(defaultMaxTokens), aws.ToInt32(fake.in.InferenceConfig.MaxTokens))
}

func TestBedrockThrottlingIsTransient(t *testing.T) {
	fake := &fakeConverse{err: &types.ThrottlingException{Message: aws.String("slow down")}}
	p := newBedrockWithClient(Config{Model: "m"}, fake)

	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestBedrockValidationIsPermanent(t *testing.T) {
	fake := &fakeConverse{err: &types.ValidationException{Message: aws.String("bad model")}}
	p := newBedrockWithClient(Config{Model: "m"}, fake)

	_, err := p.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}
