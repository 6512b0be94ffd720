// Reply sanitization before delivery.
//
// Pipeline, applied in order:
//
//	1. stripThinkingTags()          reasoning blocks some models leak
//	2. stripCitations()             file-search markers like 【4:0†source】
//	3. stripContextBlocks()         injected context echoed back
//	4. stripInternalLines()         "Hora actual:" / "Etiquetas actuales:" lines
//	5. collapseConsecutiveDuplicateBlocks()
//	6. collapseBlankRuns()          three or more newlines become one blank line

package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// SanitizeReply cleans assistant text before it is sent to a client.
func SanitizeReply(content string) string {
	if content == "" {
		return content
	}
	original := content

	content = stripThinkingTags(content)
	content = stripCitations(content)
	content = stripContextBlocks(content)
	content = stripInternalLines(content)
	content = collapseConsecutiveDuplicateBlocks(content)
	content = collapseBlankRuns(content)
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("agent: reply sanitized",
			"original_len", len(original),
			"cleaned_len", len(content),
		)
	}
	return content
}

// --- 1. Thinking tags ---

// Go regexp has no backreferences, so one pattern per tag.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// --- 2. Citations ---

var citationPattern = regexp.MustCompile(`【[^】]*】`)

func stripCitations(content string) string {
	if !strings.Contains(content, "【") {
		return content
	}
	return citationPattern.ReplaceAllString(content, "")
}

// --- 3. Context blocks ---

var contextBlockPattern = regexp.MustCompile(`(?is)=== CONTEXTO.*?=== FIN CONTEXTO ===`)

func stripContextBlocks(content string) string {
	if !strings.Contains(content, "=== CONTEXTO") {
		return content
	}
	cleaned := contextBlockPattern.ReplaceAllString(content, "")
	slog.Warn("agent: stripped echoed context block from reply",
		"original_len", len(content),
		"cleaned_len", len(cleaned),
	)
	return cleaned
}

// --- 4. Internal lines ---

var internalLinePrefixes = []string{
	"Hora actual:",
	"Etiquetas actuales:",
	"[NOTA DEL SISTEMA",
	"[Mensaje manual escrito por el agente",
}

func stripInternalLines(content string) string {
	lines := strings.Split(content, "\n")
	out := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		internal := false
		for _, p := range internalLinePrefixes {
			if strings.HasPrefix(trimmed, p) {
				internal = true
				break
			}
		}
		if !internal {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// --- 5. Duplicate blocks ---

func collapseConsecutiveDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var result []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(result) > 0 && trimmed == strings.TrimSpace(result[len(result)-1]) {
			continue
		}
		result = append(result, block)
	}
	return strings.Join(result, "\n\n")
}

// --- 6. Blank runs ---

var blankRunPattern = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)

func collapseBlankRuns(content string) string {
	return blankRunPattern.ReplaceAllString(content, "\n\n")
}

// --- System message detection ---

var systemMessagePrefixes = []string{
	"===",
	"CONTEXTO",
	"[NOTA DEL SISTEMA",
	"[DEBUG",
	"--- DEBUG:",
	"[MENSAJE DEL SISTEMA",
}

// IsSystemMessage reports whether text looks like an internal note that
// must never reach a client.
func IsSystemMessage(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, p := range systemMessagePrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

// --- Splitting ---

// SplitReply splits content on blank lines into at most limit chunks.
// Extra paragraphs are folded into the last chunk so nothing is dropped.
func SplitReply(content string, limit int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(content, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if limit <= 0 || len(parts) <= limit {
		return parts
	}
	tail := strings.Join(parts[limit-1:], "\n\n")
	return append(parts[:limit-1], tail)
}
