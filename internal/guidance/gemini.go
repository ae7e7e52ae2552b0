package guidance

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// NewGeminiService connects to the Gemini API. An empty credential yields
// the disabled sentinel instead of an error so the rest of the pipeline
// stays up.
func NewGeminiService(ctx context.Context, apiKey, model string, logger *zap.Logger) (*Service, error) {
	logger = logger.Named("guidance")
	if apiKey == "" {
		logger.Warn("GOOGLE_API_KEY not set, guidance disabled")
		return &Service{logger: logger}, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Service{
		backend: &geminiBackend{client: client, model: model},
		logger:  logger,
	}, nil
}

type geminiBackend struct {
	client *genai.Client
	model  string
}

func (g *geminiBackend) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("empty model response")
	}
	return text, nil
}

// Chat replays the caller-supplied turns as prior content and sends the new
// message through a single-use chat session.
func (g *geminiBackend) Chat(ctx context.Context, history []ChatTurn, message string) (string, error) {
	prior := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		role := genai.RoleUser
		if turn.Sender == SenderAssistant {
			role = genai.RoleModel
		}
		prior = append(prior, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: turn.Content}},
		})
	}

	chat, err := g.client.Chats.Create(ctx, g.model, nil, prior)
	if err != nil {
		return "", err
	}

	resp, err := chat.SendMessage(ctx, genai.Part{Text: message})
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("empty model response")
	}
	return text, nil
}
