// Package rag answers questions against a Bedrock knowledge base.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
)

// ErrEmptyQuestion is returned for blank questions.
var ErrEmptyQuestion = errors.New("rag: empty question")

// Config identifies the knowledge base and generation model.
type Config struct {
	Region          string `json:"region"`
	KnowledgeBaseID string `json:"knowledge_base_id"`
	ModelARN        string `json:"model_arn"`
}

// Answer is a generated response with the documents it cites.
type Answer struct {
	Text    string   `json:"answer"`
	Sources []string `json:"sources,omitempty"`
}

// retrieveAPI is the subset of the agent runtime client used here.
type retrieveAPI interface {
	RetrieveAndGenerate(ctx context.Context, params *bedrockagentruntime.RetrieveAndGenerateInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveAndGenerateOutput, error)
}

// Client forwards questions to RetrieveAndGenerate. It keeps no session
// state between calls.
type Client struct {
	cfg Config
	api retrieveAPI
}

// New creates a Client using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.KnowledgeBaseID == "" || cfg.ModelARN == "" {
		return nil, errors.New("rag: knowledge base id and model ARN are required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &Client{cfg: cfg, api: bedrockagentruntime.NewFromConfig(awsCfg)}, nil
}

func newWithAPI(cfg Config, api retrieveAPI) *Client {
	return &Client{cfg: cfg, api: api}
}

// Ask returns the knowledge base's answer to question.
func (c *Client) Ask(ctx context.Context, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	out, err := c.api.RetrieveAndGenerate(ctx, &bedrockagentruntime.RetrieveAndGenerateInput{
		Input: &types.RetrieveAndGenerateInput{Text: aws.String(question)},
		RetrieveAndGenerateConfiguration: &types.RetrieveAndGenerateConfiguration{
			Type: types.RetrieveAndGenerateTypeKnowledgeBase,
			KnowledgeBaseConfiguration: &types.KnowledgeBaseRetrieveAndGenerateConfiguration{
				KnowledgeBaseId: aws.String(c.cfg.KnowledgeBaseID),
				ModelArn:        aws.String(c.cfg.ModelARN),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve and generate: %w", err)
	}
	if out.Output == nil {
		return nil, errors.New("retrieve and generate: empty output")
	}

	return &Answer{
		Text:    aws.ToString(out.Output.Text),
		Sources: sources(out.Citations),
	}, nil
}

// sources lists the distinct S3 URIs cited, in first-seen order.
func sources(citations []types.Citation) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range citations {
		for _, ref := range c.RetrievedReferences {
			if ref.Location == nil || ref.Location.S3Location == nil {
				continue
			}
			uri := aws.ToString(ref.Location.S3Location.Uri)
			if uri == "" || seen[uri] {
				continue
			}
			seen[uri] = true
			out = append(out, uri)
		}
	}
	return out
}
