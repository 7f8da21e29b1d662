package llamacpp

import (
	"context"
	"errors"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// ChatRequest describes one turn against the OpenAI-compatible endpoint.
// llama-server applies the loaded model's chat template server-side, which
// is why unconstrained generation goes through here rather than /completion.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	TopP         float64
	TopK         int
	MaxTokens    int
	ForceJSON    bool
}

// ChatResponse is the assistant's reply.
type ChatResponse struct {
	Content          string
	CompletionTokens int
}

// Chat submits one prompt to /v1/chat/completions.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if req.Prompt == "" {
		return ChatResponse{}, errors.New("llamacpp: prompt must not be empty")
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, oai.UserMessage(req.Prompt))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = param.NewOpt(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	// top_k and JSON mode are llama-server extensions of the OpenAI shape,
	// injected into the request body directly.
	var reqOpts []option.RequestOption
	if req.TopK > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("top_k", req.TopK))
	}
	if req.ForceJSON {
		reqOpts = append(reqOpts, option.WithJSONSet("response_format.type", "json_object"))
	}

	client := c.chatClient()
	resp, err := client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("llamacpp: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, errors.New("llamacpp: empty choices in chat response")
	}
	return ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

// chatClient builds the OpenAI-compatible client rooted at /v1.
func (c *Client) chatClient() oai.Client {
	return oai.NewClient(
		option.WithBaseURL(c.baseURL+"/v1/"),
		option.WithAPIKey(c.apiKey),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(0),
	)
}
