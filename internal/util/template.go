package util

import (
	"bytes"
	"strings"
	"sync"
	"text/template"
)

var promptFuncs = template.FuncMap{
	"default": func(defaultVal any, val any) any {
		if val == nil || val == "" {
			return defaultVal
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},
	"indent": func(n int, s string) string {
		pad := strings.Repeat(" ", n)
		return pad + strings.ReplaceAll(s, "\n", "\n"+pad)
	},
}

// parsed caches templates by source text. Prompts are constants rendered on
// every turn.
var parsed sync.Map // string -> *template.Template

// RenderTemplate renders prompt text with Go's text/template. Text without
// template markers is returned unchanged.
func RenderTemplate(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := lookupTemplate(text)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func lookupTemplate(text string) (*template.Template, error) {
	if t, ok := parsed.Load(text); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("prompt").Funcs(promptFuncs).Parse(text)
	if err != nil {
		return nil, err
	}
	actual, _ := parsed.LoadOrStore(text, t)
	return actual.(*template.Template), nil
}
