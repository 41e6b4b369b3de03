package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/config"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/models"
)

// buildPrompt flattens the chat transcript into the single text the UI's
// prompt box accepts. System messages lead, tool definitions and tool
// results are inlined as labeled sections, and the final user turn closes
// the prompt so the model answers it.
func buildPrompt(raw []byte) (string, error) {
	var b strings.Builder

	if tools := gjson.GetBytes(raw, "tools"); tools.Exists() && len(tools.Array()) > 0 {
		b.WriteString("You can call the following functions. To call one, reply with a function call instead of prose.\n")
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := tool.Get("function")
			b.WriteString("- ")
			b.WriteString(fn.Get("name").String())
			if desc := fn.Get("description").String(); desc != "" {
				b.WriteString(": ")
				b.WriteString(desc)
			}
			if params := fn.Get("parameters"); params.Exists() {
				b.WriteString("\n  parameters: ")
				b.WriteString(params.Raw)
			}
			b.WriteString("\n")
			return true
		})
		b.WriteString("\n")
	}

	messages := gjson.GetBytes(raw, "messages")
	messages.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		text := contentText(msg.Get("content"))
		switch role {
		case "system", "developer":
			writeTurn(&b, "System", text)
		case "user":
			writeTurn(&b, "User", text)
		case "assistant":
			if calls := msg.Get("tool_calls"); calls.Exists() {
				calls.ForEach(func(_, call gjson.Result) bool {
					fn := call.Get("function")
					writeTurn(&b, "Assistant (function call)",
						fmt.Sprintf("%s(%s)", fn.Get("name").String(), fn.Get("arguments").String()))
					return true
				})
			}
			if text != "" {
				writeTurn(&b, "Assistant", text)
			}
		case "tool":
			label := "Function result"
			if id := msg.Get("tool_call_id").String(); id != "" {
				label = "Function result for " + id
			}
			writeTurn(&b, label, text)
		default:
			writeTurn(&b, role, text)
		}
		return true
	})

	prompt := strings.TrimRight(b.String(), "\n")
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("no usable message content")
	}
	return prompt, nil
}

func writeTurn(b *strings.Builder, label, text string) {
	if text == "" {
		return
	}
	b.WriteString(label)
	b.WriteString(":\n")
	b.WriteString(text)
	b.WriteString("\n\n")
}

// contentText renders a message content value, which is either a plain
// string or an array of typed parts.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			parts = append(parts, part.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// attachmentRefs collects attachment references from the most recent user
// message: image_url parts and file parts. Earlier turns' attachments were
// already consumed by earlier requests.
func attachmentRefs(raw []byte) []string {
	messages := gjson.GetBytes(raw, "messages").Array()
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Get("role").String() != "user" {
			continue
		}
		content := msg.Get("content")
		if !content.IsArray() {
			return nil
		}
		var refs []string
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "image_url":
				if url := part.Get("image_url.url").String(); url != "" {
					refs = append(refs, url)
				}
			case "file":
				if data := part.Get("file.file_data").String(); data != "" {
					refs = append(refs, data)
				}
			}
			return true
		})
		return refs
	}
	return nil
}

// uiParam is one named UI parameter and the value it must show.
type uiParam struct {
	name  string
	value string
}

// desiredParams maps the request's generation parameters onto the UI's
// controls, honoring what the target model family supports. Order matters:
// values are applied top to bottom.
func desiredParams(raw []byte, cfg *config.Config, capability models.Capability) []uiParam {
	var params []uiParam

	if v := gjson.GetBytes(raw, "temperature"); v.Exists() {
		params = append(params, uiParam{"temperature", formatFloat(v.Float())})
	}
	if v := gjson.GetBytes(raw, "top_p"); v.Exists() {
		params = append(params, uiParam{"top_p", formatFloat(v.Float())})
	}
	maxTokens := gjson.GetBytes(raw, "max_completion_tokens")
	if !maxTokens.Exists() {
		maxTokens = gjson.GetBytes(raw, "max_tokens")
	}
	if maxTokens.Exists() {
		params = append(params, uiParam{"max_output_tokens", strconv.FormatInt(maxTokens.Int(), 10)})
	}
	if v := gjson.GetBytes(raw, "stop"); v.Exists() {
		var sequences []string
		if v.IsArray() {
			v.ForEach(func(_, s gjson.Result) bool {
				sequences = append(sequences, s.String())
				return true
			})
		} else {
			sequences = append(sequences, v.String())
		}
		params = append(params, uiParam{"stop_sequences", strings.Join(sequences, "\n")})
	}

	if effort := gjson.GetBytes(raw, "reasoning_effort").String(); effort != "" {
		switch capability.ThinkingType {
		case "budget":
			params = append(params, uiParam{"thinking_budget", strconv.Itoa(budgetForEffort(effort, capability))})
		case "levels":
			params = append(params, uiParam{"thinking_level", effort})
		}
	}

	if capability.SupportsSearch {
		params = append(params, uiParam{"enable_search", strconv.FormatBool(cfg.EnableSearch)})
	}
	if capability.SupportsURLContext {
		params = append(params, uiParam{"enable_url_context", strconv.FormatBool(cfg.EnableURLContext)})
	}
	return params
}

// budgetForEffort maps an OpenAI reasoning_effort onto a thinking-token
// budget within the model's supported range.
func budgetForEffort(effort string, capability models.Capability) int {
	switch strings.ToLower(effort) {
	case "low":
		return capability.BudgetMin
	case "high":
		return capability.BudgetMax
	default:
		return capability.BudgetMin + (capability.BudgetMax-capability.BudgetMin)/2
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
