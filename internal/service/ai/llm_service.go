package ai

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-huddle/backend/internal/config"
	"github.com/zhouzirui/z-huddle/backend/internal/model/chat"
)

// Responder turns a prompt into a reply.
type Responder interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Service answers prompts through an eino chain: system template, then chat model.
type Service struct {
	chatModel    model.ChatModel
	systemPrompt string
	chain        compose.Runnable[map[string]any, *schema.Message]
}

// NewService builds the chain on top of the configured Ark model.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create chat model")
	}
	return NewServiceWithModel(ctx, chatModel, cfg.SystemPrompt)
}

// NewServiceWithModel builds the chain on top of an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, systemPrompt string) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "compile chat chain")
	}

	return &Service{
		chatModel:    chatModel,
		systemPrompt: systemPrompt,
		chain:        runnable,
	}, nil
}

// Generate runs the chain for prompt. Every failure is reported as chat.ErrAIUnavailable.
func (s *Service) Generate(ctx context.Context, userPrompt string) (string, error) {
	response, err := s.chain.Invoke(ctx, map[string]any{
		"system": s.systemPrompt,
		"query":  userPrompt,
	})
	if err != nil {
		return "", errors.Wrapf(chat.ErrAIUnavailable, "run chat chain: %v", err)
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return "", errors.Wrap(chat.ErrAIUnavailable, "empty model response")
	}

	log.Debug().Str("component", "ai").Int("length", len(response.Content)).Msg("generated response")
	return response.Content, nil
}

// Unavailable is the Responder used when no model is configured.
type Unavailable struct{}

func (Unavailable) Generate(context.Context, string) (string, error) {
	return "", errors.Wrap(chat.ErrAIUnavailable, "no chat model configured")
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, prompt string) (string, error)

func (f ResponderFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
