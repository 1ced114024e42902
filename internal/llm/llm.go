package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chattree/internal/chat"
	"github.com/comigor/chattree/internal/config"
)

// Request is one completion request built from the conversation so far.
type Request struct {
	Model    string
	Messages []chat.Message
}

// Stream yields text deltas of one response. Recv returns io.EOF once the
// response is done; any other error is a transport failure.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Transport opens response streams. Implementations must abort when ctx is
// cancelled.
type Transport interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Client is the subset of openai.Client the transport uses.
type Client interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}

// OpenAI streams completions from an OpenAI-compatible endpoint.
type OpenAI struct {
	client       Client
	model        string
	systemPrompt string
	noStream     bool
}

// NewTransport wraps client. With cfg.DisableStreaming the whole answer is
// requested at once and delivered as a single delta.
func NewTransport(client Client, cfg config.LLMConfig) *OpenAI {
	return &OpenAI{
		client:       client,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		noStream:     cfg.DisableStreaming,
	}
}

// Stream implements Transport.
func (o *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	creq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: o.messages(req.Messages),
	}
	if creq.Model == "" {
		creq.Model = o.model
	}

	if o.noStream {
		resp, err := o.client.CreateChatCompletion(ctx, creq)
		if err != nil {
			return nil, fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("chat completion: empty choices")
		}
		return &wholeStream{text: resp.Choices[0].Message.Content}, nil
	}

	creq.Stream = true
	s, err := o.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("chat completion stream: %w", err)
	}
	return &openAIStream{stream: s}, nil
}

func (o *OpenAI) messages(history []chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if o.systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		})
	}
	for _, m := range history {
		out = append(out, openai.ChatCompletionMessage{
			Role:    roleFor(m.Role),
			Content: m.Content,
		})
	}
	return out
}

func roleFor(r chat.Role) string {
	switch r {
	case chat.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case chat.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}

// wholeStream delivers a non-streamed answer as one delta.
type wholeStream struct {
	text string
	done bool
}

func (s *wholeStream) Recv() (string, error) {
	if s.done || s.text == "" {
		return "", io.EOF
	}
	s.done = true
	return s.text, nil
}

func (s *wholeStream) Close() error { return nil }

// Retryable reports whether a transport error is worth retrying. Client
// errors other than rate limiting are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 && status != 429 {
		return false
	}
	return true
}
