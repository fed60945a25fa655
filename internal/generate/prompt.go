package generate

import (
	"fmt"
	"sort"
	"strings"
)

// systemPrompt instructs the backend to emit bare, interpretable Go source.
const systemPrompt = `You are a Go code generator. Output ONLY compilable Go source code.
- Start the file with the clause "package unit".
- Do not wrap code in markdown fences.
- Only use the Go standard library.
- Define every requested symbol as an exported top-level declaration.
- Prefer simple, readable implementations.
- Avoid network calls, filesystem writes, os/exec, syscall, unsafe, and plugin.
- Include doc comments on exported symbols.`

// SystemPrompt returns the system instruction for unit generation.
func SystemPrompt() string {
	return systemPrompt
}

// UserPrompt renders a Request into the user-facing prompt.
func UserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Unit: %s\n", req.UnitName)

	if len(req.Symbols) > 0 {
		fmt.Fprintf(&b, "\nSymbols to define: %s\n", strings.Join(req.Symbols, ", "))
	}
	if req.Hint != "" {
		fmt.Fprintf(&b, "\nContext from the call site:\n%s\n", strings.TrimSpace(req.Hint))
	}
	if len(req.TypeSchemas) > 0 {
		b.WriteString("\nType definitions to use verbatim:\n")
		for _, name := range sortedKeys(req.TypeSchemas) {
			fmt.Fprintf(&b, "// type %s\n%s\n", name, strings.TrimSpace(req.TypeSchemas[name]))
		}
	}
	if len(req.OutputTypes) > 0 {
		b.WriteString("\nReturn types:\n")
		for _, sym := range sortedKeys(req.OutputTypes) {
			fmt.Fprintf(&b, "- %s must return %s\n", sym, req.OutputTypes[sym])
		}
	}

	return strings.TrimSpace(b.String())
}

// StripCodeFences removes a wrapping markdown code fence from backend output.
// Content outside a single fenced block is discarded; input without fences is
// returned unchanged.
func StripCodeFences(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}

	parts := strings.Split(text, "```")
	if len(parts) < 3 {
		// Unbalanced fence; take whatever follows it.
		body := parts[len(parts)-1]
		return strings.TrimSpace(trimFenceLanguage(body))
	}

	// First fenced block wins.
	body := trimFenceLanguage(parts[1])
	return strings.TrimSpace(body)
}

// trimFenceLanguage drops a leading language tag line such as "go".
func trimFenceLanguage(body string) string {
	body = strings.TrimPrefix(body, "\n")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		first := strings.TrimSpace(body[:nl])
		if first != "" && !strings.ContainsAny(first, " \t{}();") && len(first) <= 12 {
			return body[nl+1:]
		}
	}
	return body
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
