package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/trunov/secondhand/internal/config"
	"github.com/trunov/secondhand/internal/entities"
)

const systemPrompt = "You are a helpful assistant that extracts product listings from casual chat messages. " +
	"Respond ONLY in valid JSON with fields: description (string), price (number or null), styleTags (array of strings)."

// Client turns a casual seller message into a listing draft through an
// OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	log        *zap.Logger
}

func New(cfg config.ParserConfig, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.Named("parser"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// modelDraft accepts both spellings of the tag field and a price given as
// number or string.
type modelDraft struct {
	Description string   `json:"description"`
	Price       any      `json:"price"`
	StyleTags   []string `json:"styleTags"`
	StyleTags2  []string `json:"style_tags"`
}

func (c *Client) Parse(ctx context.Context, message string) (entities.ListingDraft, error) {
	content, err := c.complete(ctx, message)
	if err != nil {
		return entities.ListingDraft{}, entities.NewError(entities.KindUpstream, "listing parser unavailable", err)
	}

	draft, err := decodeDraft(content)
	if err != nil {
		c.log.Warn("unparseable model response", zap.String("content", content), zap.Error(err))
		return entities.ListingDraft{}, entities.NewError(entities.KindUpstream, "failed to parse AI response", err)
	}
	return draft, nil
}

func (c *Client) complete(ctx context.Context, message string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: message},
		},
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call chat completions: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return "", fmt.Errorf("status %d: %s", resp.StatusCode, out.Error.Message)
		}
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("empty choices")
	}
	return out.Choices[0].Message.Content, nil
}

func decodeDraft(content string) (entities.ListingDraft, error) {
	content = stripFences(content)

	var md modelDraft
	if err := json.Unmarshal([]byte(content), &md); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(content)
		if rerr != nil {
			return entities.ListingDraft{}, fmt.Errorf("repair json: %w", rerr)
		}
		if err := json.Unmarshal([]byte(repaired), &md); err != nil {
			return entities.ListingDraft{}, fmt.Errorf("decode repaired json: %w", err)
		}
	}

	draft := entities.ListingDraft{
		Description: strings.TrimSpace(md.Description),
		Price:       toPrice(md.Price),
		StyleTags:   md.StyleTags,
	}
	if draft.StyleTags == nil {
		draft.StyleTags = md.StyleTags2
	}
	if draft.StyleTags == nil {
		draft.StyleTags = []string{}
	}
	return draft, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func toPrice(v any) *float64 {
	var f float64
	switch p := v.(type) {
	case float64:
		f = p
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(p, "$")), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
