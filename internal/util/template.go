package util

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"
)

var templateFuncs = template.FuncMap{
	"default": func(defaultVal any, val any) any {
		if val == nil || val == "" {
			return defaultVal
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"bullet": func(items []string) string {
		lines := make([]string, len(items))
		for i, item := range items {
			lines[i] = "- " + item
		}
		return strings.Join(lines, "\n")
	},
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},
}

// MustParse parses a template once at init time and panics on syntax errors.
func MustParse(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(templateFuncs).Option("missingkey=zero").Parse(text))
}

// Execute renders a parsed template.
func Execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence and
// appends marker when something was removed.
func Truncate(s string, n int, marker string) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := s[:n]
	for i := 0; i < utf8.UTFMax-1 && len(cut) > 0; i++ {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size > 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return cut + marker
}
