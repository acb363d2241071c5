package llm

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// openAIProvider implements Provider against any OpenAI-compatible endpoint.
type openAIProvider struct {
	name    string
	model   string
	client  *openai.Client
	limiter *rate.Limiter // nil = unlimited
}

func newOpenAIProvider(name, model, apiKey, baseURL string, ratePerSec float64, burst int) *openAIProvider {
	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = strings.TrimRight(baseURL, "/")

	p := &openAIProvider{
		name:   name,
		model:  model,
		client: openai.NewClientWithConfig(clientConfig),
	}
	if ratePerSec > 0 {
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return p
}

func (p *openAIProvider) Name() string {
	return p.name + "/" + p.model
}

func (p *openAIProvider) Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "waiting for rate limiter")
		}
	}

	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if opts.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: opts.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if strings.EqualFold(opts.Format, "json") {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", eris.Wrapf(err, "%s chat completion", p.name)
	}
	if len(resp.Choices) == 0 {
		return "", eris.Errorf("empty response from %s", p.name)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
