package model

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter streams chat completions from the OpenAI API.
type OpenAIAdapter struct {
	client *openai.Client
	model  string
}

// NewOpenAIAdapter builds an adapter for the given model.
func NewOpenAIAdapter(apiKey, model string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("model: openai api key is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIAdapter{client: openai.NewClient(apiKey), model: model}, nil
}

// Metadata implements Adapter.
func (a *OpenAIAdapter) Metadata() Metadata {
	return Metadata{Provider: "openai", Model: a.model}
}

// Infer implements Adapter by opening a streaming chat completion.
func (a *OpenAIAdapter) Infer(ctx context.Context, req Request) (Stream, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: messages,
		Stream:   true,
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if req.MaxOutputTokens > 0 {
		chatReq.MaxTokens = req.MaxOutputTokens
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("model: openai stream: %w", err)
	}
	return &openaiStream{inner: stream}, nil
}

type openaiStream struct {
	inner *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (Chunk, error) {
	resp, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		return Chunk{}, fmt.Errorf("model: openai recv: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Chunk{}, nil
	}
	choice := resp.Choices[0]
	return Chunk{
		Delta: choice.Delta.Content,
		Done:  choice.FinishReason != "",
	}, nil
}

func (s *openaiStream) Close() error {
	return s.inner.Close()
}
