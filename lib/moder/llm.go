package moder

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	tokenizer "github.com/sandwich-go/gpt3-encoder"
	"github.com/sashabaranov/go-openai"

	"github.com/verchik/tg-moder/lib/modcheck"
	"github.com/verchik/tg-moder/lib/textnorm"
)

// llmChecker wraps a chat-completion API for message classification and
// alias resolution. The client interface is narrow so tests inject fakes.
type llmChecker struct {
	client llmClient
	params LLMConfig

	resolved cache.Cache[string, []string] // normalized message -> resolved full names
}

// LLMConfig contains parameters for the language-model classifier.
type LLMConfig struct {
	MaxTokensResponse int // hard limit for the number of tokens in the response
	MaxTokensRequest  int // max request length in tokens
	MaxSymbolsRequest int // fallback max request length in symbols if tokenizer fails
	Model             string
	SystemPrompt      string
	Timeout           time.Duration // per-call budget, expiry is a failure
	ResolveNames      bool          // enable the alias-to-full-name resolution stage
}

type llmClient interface {
	CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const defaultClassifyPrompt = `Ты — модератор чата. Твоя задача — строго классифицировать сообщения по категориям нарушений.
Не давай нравственных оценок, не рассуждай, не добавляй лишних пояснений.

Категория B (лёгкие нарушения): ненормативная лексика "для выразительности", грубость без оскорбления, сарказм на грани нарушения.
Категория A (серьёзные нарушения): прямые личные оскорбления, разжигание ненависти, дискриминация, экстремистские призывы, угрозы.
Категория C: любое упоминание конкретных лиц из реестра, даже без слова "реестр".

Если сообщение не подходит ни под одну из категорий — ответь "CLEAN".

Верни ответ строго в формате:
КАТЕГОРИЯ: [CLEAN/CATEGORY_A/CATEGORY_B/CATEGORY_C]
ПРИЧИНА: [краткое объяснение]`

const resolvePrompt = `Ты — инструмент, который извлекает из текста все упоминания людей (псевдонимы, ники, сценические имена, прозвища) и преобразует их в полные ФИО.
Верни только одну строку: список ФИО через запятую, без пояснений. Если людей не найдено, верни пустую строку.`

// llmVerdict is the parsed classification outcome.
type llmVerdict struct {
	Category modcheck.Category
	Reason   string
	Score    float64
}

// jsonVerdict is the strict JSON response variant.
type jsonVerdict struct {
	Category string   `json:"category"`
	Score    float64  `json:"score"`
	Reasons  []string `json:"reasons"`
}

func newLLMChecker(client llmClient, params LLMConfig) *llmChecker {
	if params.SystemPrompt == "" {
		params.SystemPrompt = defaultClassifyPrompt
	}
	if params.MaxTokensResponse == 0 {
		params.MaxTokensResponse = 512
	}
	if params.MaxTokensRequest == 0 {
		params.MaxTokensRequest = 2048
	}
	if params.MaxSymbolsRequest == 0 {
		params.MaxSymbolsRequest = 8192
	}
	if params.Model == "" {
		params.Model = "gpt-4o-mini"
	}
	if params.Timeout == 0 {
		params.Timeout = 30 * time.Second
	}
	return &llmChecker{
		client:   client,
		params:   params,
		resolved: cache.NewCache[string, []string]().WithTTL(time.Hour).WithMaxKeys(1000),
	}
}

// classify sends the message, with a short recent-history context, and parses
// the verdict. Returns an error on transport failure or timeout; the caller
// decides the fallback.
func (c *llmChecker) classify(ctx context.Context, msg string, history []string) (llmVerdict, error) {
	if c.client == nil {
		return llmVerdict{}, fmt.Errorf("llm client not configured")
	}

	user := "Проанализируй это сообщение:"
	if len(history) > 0 {
		if len(history) > 3 {
			history = history[len(history)-3:]
		}
		user += "\nПредыдущие сообщения в чате:\n" + strings.Join(history, "\n")
	}
	user += "\n\nСообщение для анализа:\n'" + msg + "'"

	resp, err := c.complete(ctx, c.params.SystemPrompt, user)
	if err != nil {
		return llmVerdict{}, err
	}
	return parseVerdict(resp), nil
}

// parseVerdict tries the strict JSON variant first, then the lenient tag
// format. Anything unrecognized comes back as a clean verdict, malformed
// model output must never block a message.
func parseVerdict(resp string) llmVerdict {
	trimmed := strings.TrimSpace(resp)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.Trim(trimmed, "` \n")

	var jv jsonVerdict
	if err := json.Unmarshal([]byte(trimmed), &jv); err == nil && jv.Category != "" {
		v := llmVerdict{Category: categoryFromLabel(jv.Category), Score: jv.Score}
		if v.Score < 0 {
			v.Score = 0
		}
		if v.Score > 1 {
			v.Score = 1
		}
		v.Reason = strings.Join(jv.Reasons, "; ")
		return v
	}

	v := llmVerdict{Category: modcheck.CategoryClean}
	switch {
	case strings.Contains(resp, "CATEGORY_A"):
		v.Category = modcheck.CategorySevere
	case strings.Contains(resp, "CATEGORY_B"):
		v.Category = modcheck.CategoryMinor
	case strings.Contains(resp, "CATEGORY_C"):
		v.Category = modcheck.CategoryRegistry
	}
	if m := reasonRe.FindStringSubmatch(resp); m != nil {
		v.Reason = strings.TrimSpace(m[1])
	}
	return v
}

var reasonRe = regexp.MustCompile(`(?i)(?:ПРИЧИНА|REASON):\s*(.+)`)

func categoryFromLabel(label string) modcheck.Category {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "CATEGORY_A", "SEVERE", "SEVERE_VIOLATION":
		return modcheck.CategorySevere
	case "CATEGORY_B", "MINOR", "MINOR_VIOLATION":
		return modcheck.CategoryMinor
	case "CATEGORY_C", "REGISTRY", "REGISTRY_MENTION":
		return modcheck.CategoryRegistry
	case "SPAM":
		return modcheck.CategorySpam
	default:
		return modcheck.CategoryClean
	}
}

// resolveNames asks the model to expand pseudonyms in the text into full
// names. Results are cached per normalized message; a transport failure
// returns an empty list with the error, the caller treats it as no evidence.
func (c *llmChecker) resolveNames(ctx context.Context, text string) ([]string, error) {
	if c.client == nil || !c.params.ResolveNames {
		return nil, nil
	}

	key := textnorm.Normalize(text)
	if names, ok := c.resolved.Get(key); ok {
		return names, nil
	}

	user := "Найди все упоминания людей в этом тексте и верни их полные ФИО (через запятую): '" + text + "'"
	resp, err := c.complete(ctx, resolvePrompt, user)
	if err != nil {
		return nil, err
	}

	names := parseNameList(resp)
	c.resolved.Set(key, names, 0)
	return names, nil
}

var fioRe = regexp.MustCompile(`[А-ЯЁа-яё]+\s+[А-ЯЁа-яё]+(?:\s+[А-ЯЁа-яё]+)?`)

// parseNameList splits a comma/semicolon separated model answer into
// normalized full names, dropping anything that does not look like one.
func parseNameList(resp string) []string {
	cleaned := strings.ReplaceAll(resp, "\n", ",")
	var names []string
	for _, part := range strings.FieldsFunc(cleaned, func(r rune) bool { return r == ',' || r == ';' }) {
		part = nonNameRe.ReplaceAllString(part, "")
		if m := fioRe.FindString(part); m != "" {
			names = append(names, textnorm.Normalize(m))
		}
	}
	return names
}

var nonNameRe = regexp.MustCompile(`[^А-Яа-яёЁ\s-]`)

// complete issues one bounded chat-completion call.
func (c *llmChecker) complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.params.Timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: c.reduceRequest(user)},
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.params.Model,
		MaxTokens: c.params.MaxTokensResponse,
		Messages:  messages,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// reduceRequest truncates the request to the token budget, falling back to a
// symbol cut if the tokenizer fails.
func (c *llmChecker) reduceRequest(text string) string {
	defaultReducer := func(text string) string {
		if len(text) <= c.params.MaxSymbolsRequest {
			return text
		}
		return text[:c.params.MaxSymbolsRequest]
	}

	encoder, err := tokenizer.NewEncoder()
	if err != nil {
		return defaultReducer(text)
	}
	tokens, err := encoder.Encode(text)
	if err != nil {
		return defaultReducer(text)
	}
	if len(tokens) <= c.params.MaxTokensRequest {
		return text
	}
	return encoder.Decode(tokens[:c.params.MaxTokensRequest])
}
