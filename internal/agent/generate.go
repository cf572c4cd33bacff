package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"xmtprelay/internal/domain"
)

// MessageCompletionFooter asks the model for a JSON reply that
// ParseResponseContent understands.
const MessageCompletionFooter = "\nResponse format should be formatted in a JSON block like this:\n" +
	"```json\n" +
	`{ "user": "{{agentName}}", "text": "<string>", "action": "<string>" }` + "\n" +
	"```"

// GenerateMessageResponse sends context to the model and parses the reply.
// Replies that cannot be parsed are retried; when every attempt fails the
// result is nil with a nil error. Provider failures are returned as errors.
func (r *Runtime) GenerateMessageResponse(ctx context.Context, contextText string, class domain.ModelClass) (*domain.Content, error) {
	if r.provider == nil {
		return nil, ErrNoProvider
	}

	msgs := make([]domain.Message, 0, 2)
	if r.character.System != "" {
		msgs = append(msgs, domain.Message{Role: "system", Content: r.character.System})
	}
	msgs = append(msgs, domain.Message{Role: "user", Content: contextText})

	for attempt := 1; attempt <= r.gen.MaxAttempts; attempt++ {
		resp, err := r.provider.Chat(ctx, domain.ChatRequest{
			Messages:    msgs,
			Class:       class,
			MaxTokens:   r.gen.MaxTokens,
			Temperature: r.gen.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("generate (%s): %w", r.provider.Name(), err)
		}
		if content, ok := ParseResponseContent(resp.Content); ok {
			return content, nil
		}
		r.logger.Warn("model reply is not a valid response object",
			"attempt", attempt,
			"max_attempts", r.gen.MaxAttempts,
			"reply_prefix", truncate(resp.Content, 120),
		)
	}
	return nil, nil
}

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ParseResponseContent extracts a response object from a model reply. It
// looks for a fenced json block first and then for the first JSON object in
// the text. The object must carry a string "text" field.
func ParseResponseContent(reply string) (*domain.Content, bool) {
	reply = stripRolePrefix(strings.TrimSpace(reply))

	body := reply
	if m := fencedJSONPattern.FindStringSubmatch(reply); m != nil {
		body = m[1]
	}
	// A bare array is a malformed reply, not prose around an object.
	if t := strings.TrimSpace(body); strings.HasPrefix(t, "[") && gjson.Valid(t) {
		return nil, false
	}

	for off := 0; off < len(body); {
		i := strings.IndexByte(body[off:], '{')
		if i < 0 {
			break
		}
		start := off + i
		end := matchingBrace(body, start)
		if end < 0 {
			off = start + 1
			continue
		}
		content, valid := parseContentObject(body[start:end])
		if content != nil {
			return content, true
		}
		if valid {
			// Well-formed but without text; its nested objects are not replies.
			off = end
		} else {
			off = start + 1
		}
	}
	return nil, false
}

// parseContentObject decodes candidate into Content. valid reports whether
// candidate was well-formed JSON even when it carried no text.
func parseContentObject(candidate string) (content *domain.Content, valid bool) {
	if !gjson.Valid(candidate) {
		candidate = sanitizeJSONEscapes(candidate)
		if !gjson.Valid(candidate) {
			return nil, false
		}
	}

	obj := gjson.Parse(candidate)
	text := obj.Get("text")
	if !obj.IsObject() || text.Type != gjson.String {
		return nil, true
	}

	content = &domain.Content{
		Text:   text.String(),
		Action: strings.TrimSpace(obj.Get("action").String()),
		User:   obj.Get("user").String(),
	}
	if raw := obj.Get("inReplyTo").String(); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			content.InReplyTo = &id
		}
	}
	return content, true
}

// matchingBrace returns the index just past the brace that closes the object
// opened at s[start], or -1 if it is never closed.
func matchingBrace(s string, start int) int {
	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// sanitizeJSONEscapes drops the backslash from escape sequences JSON does
// not allow (\% or \Y), which some models produce.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
				buf.WriteByte(s[i+1])
				i++
			}
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String()
}

// stripRolePrefix removes role-name prefixes that some models leak into
// their content ("assistant\n{...}").
func stripRolePrefix(content string) string {
	for _, p := range []string{"assistant\n", "Assistant\n", "assistant:", "Assistant:"} {
		if strings.HasPrefix(content, p) {
			return strings.TrimSpace(content[len(p):])
		}
	}
	return content
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
