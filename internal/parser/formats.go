package parser

import "github.com/tidwall/gjson"

// ClaudeParser extracts (text, usage, done, error) from a Claude
// Messages chunk (streaming SSE payload or non-streaming body).
type ClaudeParser struct{}

func (ClaudeParser) Parse(chunk []byte) (Result, error) {
	root := gjson.ParseBytes(chunk)

	if isErr, errInfo := IsErrorResponse(root); isErr {
		return Result{IsError: true, ErrorStatus: ExtractEmbeddedStatusCode(errInfo), ErrorMessage: errInfo.Get("message").String()}, nil
	}

	var r Result
	switch root.Get("type").String() {
	case "content_block_delta":
		delta := root.Get("delta")
		if delta.Get("type").String() == "text_delta" {
			r.TextDelta = delta.Get("text").String()
		}
	case "message_delta", "message_start":
		usage := root.Get("usage")
		if !usage.Exists() {
			usage = root.Get("message.usage")
		}
		r.InputTokens = int(usage.Get("input_tokens").Int())
		r.OutputTokens = int(usage.Get("output_tokens").Int())
		r.CacheReadTokens = int(usage.Get("cache_read_input_tokens").Int())
		r.CacheCreation5m, r.CacheCreation1h = ExtractCacheCreationTokens(usage)
	case "message_stop":
		r.Done = true
	}

	if root.Get("usage").Exists() && root.Get("type").String() == "" {
		usage := root.Get("usage")
		r.InputTokens = int(usage.Get("input_tokens").Int())
		r.OutputTokens = int(usage.Get("output_tokens").Int())
		r.CacheReadTokens = int(usage.Get("cache_read_input_tokens").Int())
		r.CacheCreation5m, r.CacheCreation1h = ExtractCacheCreationTokens(usage)
	}

	return r, nil
}

// OpenAIParser extracts from an OpenAI Chat Completions chunk.
type OpenAIParser struct{}

func (OpenAIParser) Parse(chunk []byte) (Result, error) {
	root := gjson.ParseBytes(chunk)

	if isErr, errInfo := IsErrorResponse(root); isErr {
		return Result{IsError: true, ErrorStatus: ExtractEmbeddedStatusCode(errInfo), ErrorMessage: errInfo.Get("message").String()}, nil
	}

	var r Result
	choices := root.Get("choices")
	if choices.IsArray() && len(choices.Array()) > 0 {
		c := choices.Array()[0]
		r.TextDelta = c.Get("delta.content").String()
		if r.TextDelta == "" {
			r.TextDelta = c.Get("message.content").String()
		}
		if c.Get("finish_reason").Exists() && c.Get("finish_reason").String() != "" {
			r.Done = true
		}
	}
	if usage := root.Get("usage"); usage.Exists() {
		r.InputTokens = int(usage.Get("prompt_tokens").Int())
		r.OutputTokens = int(usage.Get("completion_tokens").Int())
		r.CacheReadTokens = int(usage.Get("prompt_tokens_details.cached_tokens").Int())
	}
	return r, nil
}

// GeminiParser extracts from a Gemini generateContent /
// streamGenerateContent chunk.
type GeminiParser struct{}

func (GeminiParser) Parse(chunk []byte) (Result, error) {
	root := gjson.ParseBytes(chunk)

	if isErr, errInfo := IsErrorResponse(root); isErr {
		return Result{IsError: true, ErrorStatus: ExtractEmbeddedStatusCode(errInfo), ErrorMessage: errInfo.Get("message").String()}, nil
	}

	var r Result
	candidates := root.Get("candidates")
	if candidates.IsArray() && len(candidates.Array()) > 0 {
		c := candidates.Array()[0]
		for _, p := range c.Get("content.parts").Array() {
			r.TextDelta += p.Get("text").String()
		}
		if fr := c.Get("finishReason").String(); fr != "" {
			r.Done = true
		}
	}
	if usage := root.Get("usageMetadata"); usage.Exists() {
		r.InputTokens = int(usage.Get("promptTokenCount").Int())
		r.OutputTokens = int(usage.Get("candidatesTokenCount").Int())
	}
	return r, nil
}

// ForFormat returns the Parser registered for a wire format name.
func ForFormat(format string) Parser {
	switch format {
	case "claude":
		return ClaudeParser{}
	case "gemini":
		return GeminiParser{}
	default:
		return OpenAIParser{}
	}
}
