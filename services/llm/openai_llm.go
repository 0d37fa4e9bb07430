// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient completes chats against the OpenAI API or any compatible
// endpoint.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates a client. baseURL may be empty for the public API.
//
// SDK-level retries are disabled: the escalation layer owns the retry
// budget and the breaker needs to observe each attempt.
func NewOpenAIClient(apiKey, model, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("NewOpenAIClient: api key must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("NewOpenAIClient: model must not be empty")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...), model: model}, nil
}

func (c *OpenAIClient) Provider() string { return ProviderOpenAI }
func (c *OpenAIClient) Model() string    { return c.model }

// Complete implements Completer.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, p Params) (*Completion, error) {
	return instrument(ctx, ProviderOpenAI, c.model, func(ctx context.Context) (*Completion, error) {
		params := openai.ChatCompletionNewParams{
			Model:       openai.ChatModel(c.model),
			Messages:    toOpenAIMessages(messages),
			Temperature: openai.Float(p.Temperature),
		}
		if p.MaxTokens > 0 {
			params.MaxTokens = openai.Int(int64(p.MaxTokens))
		}

		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			return nil, &ProviderError{Provider: ProviderOpenAI, Class: ClassEmpty, Err: errors.New("no choices in response")}
		}
		return &Completion{
			Text: resp.Choices[0].Message.Content,
			Usage: Usage{
				PromptTokens:     int(resp.Usage.PromptTokens),
				CompletionTokens: int(resp.Usage.CompletionTokens),
			},
		}, nil
	})
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
