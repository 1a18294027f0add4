package util

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// templateCache avoids reparsing identical prompt templates on every segment.
var templateCache sync.Map // template text -> *template.Template

// forbidden template directives; prompt templates come from user config and
// must not be able to call into the binary.
var forbiddenDirectives = []string{"{{call", "{{define", "{{template", "{{block"}

// RenderTemplate renders a prompt template with the given data. Missing keys
// are errors so a typo in a template fails loudly instead of producing a
// silently broken prompt.
func RenderTemplate(tmpl string, data map[string]any) (string, error) {
	for _, directive := range forbiddenDirectives {
		if strings.Contains(tmpl, directive) {
			return "", fmt.Errorf("template contains forbidden directive: %s", directive)
		}
	}

	var t *template.Template
	if cached, ok := templateCache.Load(tmpl); ok {
		t = cached.(*template.Template)
	} else {
		parsed, err := template.New("prompt").
			Option("missingkey=error").
			Parse(tmpl)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		templateCache.Store(tmpl, parsed)
		t = parsed
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// TruncateString truncates a string to maxLen runes for log output.
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
