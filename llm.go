package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultOpenAIModel = "gpt-4o-mini"

// FeedbackJudgment is the extractor's verdict on one message.
type FeedbackJudgment struct {
	IsFeedback  bool
	Category    string
	Title       string
	Description string
	Priority    string
	Confidence  int // 0-100
}

// Extractor judges whether free-form message text is actionable customer
// feedback. Implementations must fail closed: garbage output from the model
// is "not feedback", never an error.
type Extractor interface {
	Judge(text, sourceLabel string) (FeedbackJudgment, error)
}

type llmExtractor struct {
	cfg Config
}

func NewExtractor(cfg Config) Extractor {
	return &llmExtractor{cfg: cfg}
}

type judgedMessage struct {
	IsFeedback bool   `json:"is_feedback"`
	Category   string `json:"category"`
	Title      string `json:"title"`
	Brief      string `json:"brief_description"`
	Impact     string `json:"impact"`
	Rationale  string `json:"rationale"`
	Priority   string `json:"priority"`
	Confidence int    `json:"confidence"`
}

const extractorSystemPrompt = `You triage messages from a customer feedback channel.
Decide whether the message is actionable product feedback a team should track.

Actionable feedback: bug reports, feature requests, enhancement ideas, concrete
complaints, notable praise. Not actionable: casual chat, questions already
answered, scheduling, greetings, internal logistics.

Respond with JSON only (no markdown):
{"is_feedback": true, "category": "bug", "title": "Mobile search broken",
 "brief_description": "...", "impact": "...", "rationale": "...",
 "priority": "high", "confidence": 85}

Rules:
- category must be one of: bug, feature_request, enhancement, complaint, praise, other
- priority must be one of: high, medium, low
- confidence is an integer 0-100
- title is a short imperative summary (max 10 words)
- if the message is not feedback, respond {"is_feedback": false, "confidence": 0}`

func (e *llmExtractor) Judge(text, sourceLabel string) (FeedbackJudgment, error) {
	userPrompt := fmt.Sprintf("Source: %s\n\nMessage:\n%s", sourceLabel, text)

	var responseText string
	var err error

	switch e.cfg.LLMProvider {
	case "openai":
		model := e.cfg.LLMModel
		if model == "" {
			model = defaultOpenAIModel
		}
		log.Printf("llm judge provider=openai model=%s chars=%d", model, len(text))
		responseText, err = callOpenAI(e.cfg.OpenAIAPIKey, model, extractorSystemPrompt, userPrompt)
	default:
		model := e.cfg.LLMModel
		if model == "" {
			model = defaultAnthropicModel
		}
		log.Printf("llm judge provider=anthropic model=%s chars=%d", model, len(text))
		responseText, err = callAnthropic(e.cfg.AnthropicAPIKey, model, extractorSystemPrompt, userPrompt)
	}
	if err != nil {
		return FeedbackJudgment{}, err
	}

	return parseJudgment(responseText), nil
}

// parseJudgment tolerates markdown fences around the JSON reply and fails
// closed on anything it cannot parse.
func parseJudgment(responseText string) FeedbackJudgment {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)

	var judged judgedMessage
	if err := json.Unmarshal([]byte(responseText), &judged); err != nil {
		log.Printf("llm judge parse error (treating as not feedback): %v (response: %.200s)", err, responseText)
		return FeedbackJudgment{}
	}
	if !judged.IsFeedback {
		return FeedbackJudgment{}
	}
	if strings.TrimSpace(judged.Title) == "" {
		log.Printf("llm judge missing title (treating as not feedback)")
		return FeedbackJudgment{}
	}

	confidence := judged.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	return FeedbackJudgment{
		IsFeedback:  true,
		Category:    normalizeCategory(judged.Category),
		Title:       strings.TrimSpace(judged.Title),
		Description: buildDescription(judged),
		Priority:    normalizePriority(judged.Priority),
		Confidence:  confidence,
	}
}

func buildDescription(judged judgedMessage) string {
	var sections []string
	if s := strings.TrimSpace(judged.Brief); s != "" {
		sections = append(sections, "Description: "+s)
	}
	if s := strings.TrimSpace(judged.Impact); s != "" {
		sections = append(sections, "Impact: "+s)
	}
	if s := strings.TrimSpace(judged.Rationale); s != "" {
		sections = append(sections, "Why: "+s)
	}
	return strings.Join(sections, "\n\n")
}

// --- Anthropic ---

func callAnthropic(apiKey, model, systemPrompt, userPrompt string) (string, error) {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	message, err := client.Messages.New(context.Background(), anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return "", fmt.Errorf("Anthropic API error: %w", err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d",
				len(block.Text), message.Usage.InputTokens, message.Usage.OutputTokens)
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in Anthropic response")
}

// --- OpenAI ---

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func callOpenAI(apiKey, model, systemPrompt, userPrompt string) (string, error) {
	reqBody := openAIRequest{
		Model: model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequest("POST", "https://api.openai.com/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("llm openai error: %v", err)
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return "", fmt.Errorf("parsing OpenAI response: %w", err)
	}

	if openAIResp.Error != nil {
		log.Printf("llm openai api error: %s", openAIResp.Error.Message)
		return "", fmt.Errorf("OpenAI API error: %s", openAIResp.Error.Message)
	}

	if len(openAIResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in OpenAI response")
	}
	log.Printf("llm openai response size=%d", len(openAIResp.Choices[0].Message.Content))
	return openAIResp.Choices[0].Message.Content, nil
}
