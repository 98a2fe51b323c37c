// Package reasoning implements the pluggable advisory backends behind
// ports.ReasoningService: an Anthropic Messages API client and an AWS
// Bedrock runtime client, each guarded by its own circuit breaker so a
// flapping upstream degrades dry_run's advisory step to "no advice"
// instead of stalling every concurrent caller.
package reasoning

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/sony/gobreaker"

	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/ports"
)

func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
}

var (
	_ ports.ReasoningService = (*AnthropicBackend)(nil)
	_ ports.ReasoningService = (*BedrockBackend)(nil)
)

// AnthropicBackend advises via the Anthropic Messages API.
type AnthropicBackend struct {
	client  anthropic.Client
	model   anthropic.Model
	breaker *gobreaker.CircuitBreaker
}

// NewAnthropicBackend wires a backend over apiKey/model, its own
// circuit breaker opening after three consecutive upstream failures.
func NewAnthropicBackend(apiKey string, model anthropic.Model) *AnthropicBackend {
	return &AnthropicBackend{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		breaker: gobreaker.NewCircuitBreaker(breakerSettings("reasoning.anthropic")),
	}
}

// Advise implements ports.ReasoningService.
func (b *AnthropicBackend) Advise(ctx context.Context, prompt string) (string, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		msg, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     b.model,
			MaxTokens: 1024,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return "", err
		}
		if len(msg.Content) == 0 || msg.Content[0].Type != "text" {
			return "", kernelerr.New(kernelerr.Internal, "anthropic response had no text content")
		}
		return msg.Content[0].Text, nil
	})
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Internal, "anthropic advise", err)
	}
	return result.(string), nil
}

// bedrockAnthropicRequest is the Bedrock-hosted Claude request body
// (the Messages API shape Bedrock expects, not the public Anthropic
// API's own request envelope).
type bedrockAnthropicRequest struct {
	AnthropicVersion string                    `json:"anthropic_version"`
	MaxTokens        int                       `json:"max_tokens"`
	Messages         []bedrockAnthropicMessage `json:"messages"`
}

type bedrockAnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// BedrockBackend advises via a Claude model hosted on AWS Bedrock.
type BedrockBackend struct {
	client  *bedrockruntime.Client
	modelID string
	breaker *gobreaker.CircuitBreaker
}

// NewBedrockBackend wires a backend over an already-configured Bedrock
// runtime client and model id (e.g. "anthropic.claude-3-5-haiku-20241022-v1:0").
func NewBedrockBackend(client *bedrockruntime.Client, modelID string) *BedrockBackend {
	return &BedrockBackend{
		client:  client,
		modelID: modelID,
		breaker: gobreaker.NewCircuitBreaker(breakerSettings("reasoning.bedrock")),
	}
}

// Advise implements ports.ReasoningService.
func (b *BedrockBackend) Advise(ctx context.Context, prompt string) (string, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(bedrockAnthropicRequest{
			AnthropicVersion: "bedrock-2023-05-31",
			MaxTokens:        1024,
			Messages:         []bedrockAnthropicMessage{{Role: "user", Content: prompt}},
		})
		if err != nil {
			return "", err
		}

		out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(b.modelID),
			Body:        body,
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
		})
		if err != nil {
			return "", err
		}

		var resp bedrockAnthropicResponse
		if err := json.Unmarshal(out.Body, &resp); err != nil {
			return "", err
		}
		if len(resp.Content) == 0 || resp.Content[0].Type != "text" {
			return "", kernelerr.New(kernelerr.Internal, "bedrock response had no text content")
		}
		return resp.Content[0].Text, nil
	})
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Internal, "bedrock advise", err)
	}
	return result.(string), nil
}
