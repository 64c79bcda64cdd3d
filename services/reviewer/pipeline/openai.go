// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
	"github.com/AleutianAI/reviewloop/services/reviewer/resilience"
)

const defaultOpenAIModel = "gpt-4o-mini"

// outputSchemaPrompt instructs the model to answer with a JSON array of
// candidate outputs only.
const outputSchemaPrompt = `You are an account review assistant. Given an account's detail record and surrounding context, propose recommended actions.

Respond with ONLY a JSON array. Each element must have:
  "category": one of "renewal", "expansion", "risk", "hygiene"
  "priority": integer, lower is more urgent
  "confidence": number in [0,1]
  "summary": one sentence for a human approver
  "payload": object with the action body`

// OpenAIGenerator produces candidate outputs through the OpenAI chat API.
//
// Thread Safety: Safe for concurrent use.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIGenerator creates a generator backed by the OpenAI API.
//
// Inputs:
//   - apiKey: Required.
//   - model: Optional; defaults to gpt-4o-mini.
//   - logger: Optional. Defaults to slog.Default().
func NewOpenAIGenerator(apiKey, model string, logger *slog.Logger) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key not set")
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIGenerator{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}, nil
}

// Generate implements OutputGenerator.
//
// API failures are classified by HTTP status so the resilience layer can
// distinguish rate limits and auth failures from transient errors.
func (g *OpenAIGenerator) Generate(ctx context.Context, item datatypes.WorkItem, detail, itemContext json.RawMessage) ([]datatypes.Output, error) {
	user := fmt.Sprintf("Account %s\n\nDetail record:\n%s\n\nContext:\n%s", item.ID, detail, itemContext)
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: outputSchemaPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &resilience.ClassifiedError{
			Class: resilience.ClassTransient,
			Err:   errors.New("openai returned no choices"),
		}
	}

	outputs, err := parseOutputs(item.ID, resp.Choices[0].Message.Content)
	if err != nil {
		g.logger.Warn("unparseable generator response", "item_id", item.ID, "error", err)
		return nil, &resilience.ClassifiedError{Class: resilience.ClassTransient, Err: err}
	}
	return outputs, nil
}

// generatedOutput is the model's wire shape before IDs are assigned.
type generatedOutput struct {
	Category   string         `json:"category"`
	Priority   int            `json:"priority"`
	Confidence float64        `json:"confidence"`
	Summary    string         `json:"summary"`
	Payload    map[string]any `json:"payload"`
}

// parseOutputs decodes the model response. Accepts either a bare array or
// an object wrapping one ("outputs" / "recommendations").
func parseOutputs(itemID, content string) ([]datatypes.Output, error) {
	var raw []generatedOutput
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		var wrapped map[string]json.RawMessage
		if err2 := json.Unmarshal([]byte(content), &wrapped); err2 != nil {
			return nil, fmt.Errorf("decoding generator response: %w", err)
		}
		arr, ok := wrapped["outputs"]
		if !ok {
			arr, ok = wrapped["recommendations"]
		}
		if !ok {
			return nil, fmt.Errorf("generator response has no outputs array")
		}
		if err2 := json.Unmarshal(arr, &raw); err2 != nil {
			return nil, fmt.Errorf("decoding generator outputs: %w", err2)
		}
	}

	outputs := make([]datatypes.Output, 0, len(raw))
	for _, o := range raw {
		if o.Confidence < 0 || o.Confidence > 1 {
			return nil, fmt.Errorf("confidence %v outside [0,1]", o.Confidence)
		}
		outputs = append(outputs, datatypes.Output{
			ID:         uuid.NewString(),
			ItemID:     itemID,
			Category:   o.Category,
			Priority:   o.Priority,
			Confidence: o.Confidence,
			Summary:    o.Summary,
			Payload:    o.Payload,
		})
	}
	return outputs, nil
}

// classifyOpenAIError maps API errors onto resilience classes via their
// HTTP status.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &resilience.ClassifiedError{StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	return err
}
