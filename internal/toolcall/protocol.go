// Package toolcall recognizes inline tool-call markers in streamed model
// output, repairs common JSON damage, and dispatches the calls.
package toolcall

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/loomhq/loom/pkg/models"
)

// Literal markers the model is instructed to emit.
const (
	StartTag = "<tool_call>"
	EndTag   = "</tool_call>"
)

// ContainsToolCall reports whether the text holds the opening marker.
func ContainsToolCall(text string) bool {
	return strings.Contains(text, StartTag)
}

// HasCompleteToolCall reports whether both markers are present.
func HasCompleteToolCall(text string) bool {
	return strings.Contains(text, StartTag) && strings.Contains(text, EndTag)
}

// NormalizeMarkdownFences rewrites the markdown code-fence form the model
// sometimes produces (```tool_call ... ```) into the canonical markers. Text
// already carrying the opening marker is left alone.
func NormalizeMarkdownFences(text string) string {
	if !strings.Contains(text, "```tool_call") || strings.Contains(text, StartTag) {
		return text
	}
	out := strings.ReplaceAll(text, "```tool_call\n", StartTag+"\n")
	out = strings.ReplaceAll(out, "\n```", "\n"+EndTag)
	return out
}

// ExtractedCall is one parsed tool call with the byte offsets of its
// surrounding markers in the scanned text.
type ExtractedCall struct {
	Request models.ToolCallRequest
	Start   int // offset of StartTag
	End     int // offset just past EndTag
}

// ExtractToolCalls returns every complete, parseable tool call in order of
// appearance. An opening marker with no matching close yields nothing for
// that fragment so the caller can retry once more text arrives. Blocks whose
// JSON cannot be repaired are skipped.
func ExtractToolCalls(text string) []ExtractedCall {
	var calls []ExtractedCall
	offset := 0

	for {
		startPos := strings.Index(text[offset:], StartTag)
		if startPos < 0 {
			break
		}
		absStart := offset + startPos
		jsonStart := absStart + len(StartTag)

		endPos := strings.Index(text[jsonStart:], EndTag)
		if endPos < 0 {
			// Incomplete pair; more text may still arrive.
			break
		}
		jsonEnd := jsonStart + endPos
		absEnd := jsonEnd + len(EndTag)
		jsonText := strings.TrimSpace(text[jsonStart:jsonEnd])

		req, err := ParseRequest(jsonText)
		if err != nil {
			slog.Warn("skipping unparseable tool call block",
				"error", err, "block_len", len(jsonText))
			offset = absEnd
			continue
		}
		calls = append(calls, ExtractedCall{Request: req, Start: absStart, End: absEnd})
		offset = absEnd
	}
	return calls
}

// ParseRequest decodes the JSON between a marker pair, applying the
// tolerance fixes first.
func ParseRequest(jsonText string) (models.ToolCallRequest, error) {
	fixed := fixCommonJSONErrors(jsonText)

	var req models.ToolCallRequest
	if err := json.Unmarshal([]byte(fixed), &req); err != nil {
		return req, models.WrapError(models.ErrKindValidation, err, "parse tool call request")
	}
	if req.ToolName == "" {
		return req, models.NewError(models.ErrKindValidation, "tool name must not be empty")
	}
	return req, nil
}

// fixCommonJSONErrors repairs the JSON damage streaming models commonly
// produce. The fixes are conservative: they only synthesize tokens the input
// is strictly missing and never modify the interior of a string value.
func fixCommonJSONErrors(text string) string {
	// Fix 1: missing colon after the arguments key.
	fixed := strings.ReplaceAll(text, `"arguments {`, `"arguments": {`)
	fixed = strings.ReplaceAll(fixed, `"arguments{`, `"arguments": {`)

	// Fix 2: balance unclosed brackets. Counts ignore brackets inside
	// string values.
	openBraces, closeBraces, openBrackets, closeBrackets := countBrackets(fixed)
	if openBrackets > closeBrackets || openBraces > closeBraces {
		var b strings.Builder
		b.WriteString(fixed)
		for i := 0; i < openBrackets-closeBrackets; i++ {
			b.WriteString("\n]")
		}
		for i := 0; i < openBraces-closeBraces; i++ {
			b.WriteString("\n}")
		}
		fixed = b.String()
	}

	// Fix 3: insert commas between adjacent fields split across lines.
	lines := strings.Split(fixed, "\n")
	for i := 0; i < len(lines)-1; i++ {
		trimmed := strings.TrimSpace(lines[i])
		next := strings.TrimSpace(lines[i+1])
		if needsTrailingComma(trimmed) && strings.HasPrefix(next, `"`) {
			lines[i] += ","
		}
	}
	return strings.Join(lines, "\n")
}

// needsTrailingComma reports whether a line that is followed by another
// field is missing its separator.
func needsTrailingComma(trimmed string) bool {
	if trimmed == "" || strings.HasSuffix(trimmed, ",") || strings.HasSuffix(trimmed, "{") || strings.HasSuffix(trimmed, "[") {
		return false
	}
	if strings.HasSuffix(trimmed, `"`) || strings.HasSuffix(trimmed, "}") || strings.HasSuffix(trimmed, "]") || strings.HasSuffix(trimmed, "null") {
		return true
	}
	last := trimmed[len(trimmed)-1]
	return last >= '0' && last <= '9'
}

// countBrackets counts structural brackets, skipping string contents and
// escape sequences.
func countBrackets(s string) (openBraces, closeBraces, openBrackets, closeBrackets int) {
	inString := false
	escaped := false
	for _, r := range s {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				openBraces++
			}
		case '}':
			if !inString {
				closeBraces++
			}
		case '[':
			if !inString {
				openBrackets++
			}
		case ']':
			if !inString {
				closeBrackets++
			}
		}
	}
	return
}
