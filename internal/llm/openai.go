package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"
)

// OpenAIConfig configures the OpenAI Responses client.
type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// OpenAI implements Client on the Responses API.
type OpenAI struct {
	cfg     OpenAIConfig
	service responses.ResponseService
}

// NewOpenAI creates a client. A nil httpClient uses http.DefaultClient.
func NewOpenAI(cfg OpenAIConfig, httpClient *http.Client) *OpenAI {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithHTTPClient(httpClient)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	return &OpenAI{cfg: cfg, service: responses.NewResponseService(opts...)}
}

// Complete sends one prompt and returns the output text.
func (c *OpenAI) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := c.params()
	if s := strings.TrimSpace(system); s != "" {
		params.Instructions = param.NewOpt(s)
	}
	params.Input.OfString = param.NewOpt(prompt)

	var rawBody []byte
	if _, err := c.service.New(ctx, params, option.WithResponseBodyInto(&rawBody)); err != nil {
		return "", wrapError(err)
	}
	if len(rawBody) == 0 {
		return "", errors.New("responses api returned an empty body")
	}
	return parseOutputText(rawBody)
}

// StreamChat sends the conversation and streams text deltas to onChunk.
func (c *OpenAI) StreamChat(ctx context.Context, messages []Message, onChunk func(string)) (string, error) {
	params := c.params()
	items, err := toInputItems(messages)
	if err != nil {
		return "", err
	}
	params.Input.OfInputItemList = items

	stream := c.service.NewStreaming(ctx, params)
	if stream == nil {
		return "", errors.New("responses stream unavailable")
	}
	defer stream.Close()

	var out strings.Builder
	for stream.Next() {
		delta, err := textDelta(stream.Current().RawJSON())
		if err != nil {
			return out.String(), err
		}
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onChunk != nil {
			onChunk(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return out.String(), wrapError(err)
	}
	return out.String(), nil
}

func (c *OpenAI) params() responses.ResponseNewParams {
	var p responses.ResponseNewParams
	if model := strings.TrimSpace(c.cfg.Model); model != "" {
		p.Model = model
	}
	return p
}

func toInputItems(messages []Message) (responses.ResponseInputParam, error) {
	if len(messages) == 0 {
		return nil, errors.New("no chat messages")
	}
	items := make(responses.ResponseInputParam, 0, len(messages))
	for i, m := range messages {
		role := strings.TrimSpace(m.Role)
		switch role {
		case "user", "assistant", "system", "developer":
		case "":
			role = "user"
		default:
			return nil, fmt.Errorf("chat message %d: unknown role %q", i, m.Role)
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRole(role)))
	}
	return items, nil
}

type responseBody struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

func parseOutputText(raw []byte) (string, error) {
	var body responseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	var parts []string
	for _, item := range body.Output {
		for _, c := range item.Content {
			if c.Type == "output_text" && strings.TrimSpace(c.Text) != "" {
				parts = append(parts, c.Text)
			}
		}
	}
	return strings.Join(parts, "\n"), nil
}

func textDelta(data string) (string, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return "", nil
	}
	var event struct {
		Type  string `json:"type"`
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return "", fmt.Errorf("invalid responses stream event: %w", err)
	}
	if event.Type != "response.output_text.delta" {
		return "", nil
	}
	return event.Delta, nil
}

func wrapError(err error) error {
	var apiErr *responses.Error
	if errors.As(err, &apiErr) {
		body := strings.TrimSpace(apiErr.RawJSON())
		if body == "" {
			body = err.Error()
		}
		return fmt.Errorf("responses api status %d: %s", apiErr.StatusCode, body)
	}
	return fmt.Errorf("responses request failed: %w", err)
}
