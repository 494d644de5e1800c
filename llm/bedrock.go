package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const (
	defaultBedrockRegion = "us-east-2"
	defaultBedrockModel  = "anthropic.claude-3-haiku-20240307-v1:0"
	defaultMaxTokens     = 4096
)

// converseAPI is the subset of the Bedrock runtime client used here.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// bedrockProvider implements Provider on the Bedrock Converse API, which
// gives one request shape for every hosted model family.
type bedrockProvider struct {
	cfg    Config
	client converseAPI
}

// NewBedrock creates a Bedrock provider using the default AWS credential
// chain for cfg.Region.
func NewBedrock(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.Region == "" {
		cfg.Region = defaultBedrockRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return newBedrockWithClient(cfg, bedrockruntime.NewFromConfig(awsCfg)), nil
}

func newBedrockWithClient(cfg Config, client converseAPI) *bedrockProvider {
	if cfg.Model == "" {
		cfg.Model = defaultBedrockModel
	}
	return &bedrockProvider{cfg: cfg, client: client}
}

func (p *bedrockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	in := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(maxTokens)),
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
	if req.System != "" {
		in.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			in.System = append(in.System, &types.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		in.Messages = append(in.Messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}

	out, err := p.client.Converse(ctx, in)
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("bedrock: unexpected converse output %T", out.Output)
	}

	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}

	resp := &ChatResponse{
		Content:      b.String(),
		Model:        model,
		FinishReason: string(out.StopReason),
	}
	if out.Usage != nil {
		resp.PromptTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.CompletionTokens = int(aws.ToInt32(out.Usage.OutputTokens))
		resp.TotalTokens = int(aws.ToInt32(out.Usage.TotalTokens))
	}
	return resp, nil
}

// classifyBedrockError wraps throttling and availability faults as transient.
func classifyBedrockError(err error) error {
	var (
		throttled   *types.ThrottlingException
		unavailable *types.ServiceUnavailableException
		internal    *types.InternalServerException
		notReady    *types.ModelNotReadyException
		timeout     *types.ModelTimeoutException
	)
	switch {
	case errors.As(err, &throttled),
		errors.As(err, &unavailable),
		errors.As(err, &internal),
		errors.As(err, &notReady),
		errors.As(err, &timeout):
		return &transientError{err: fmt.Errorf("bedrock converse: %w", err)}
	}
	return fmt.Errorf("bedrock converse: %w", err)
}
