// Package template renders operator-authored text such as message bodies and webhook
// payloads against run data.
//
// Besides native text/template syntax ({{ .lead.name }}) templates may use the bare
// form operators type in the CRM editor ({{lead.name}}). Bare paths resolve to an
// empty string when any segment is missing.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"
)

var barePath = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)+)\s*\}\}`)

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"lookup": lookup,
	"upper":  strings.ToUpper,
	"lower":  strings.ToLower,
}

// Normalize rewrites bare dotted paths into lookup calls. Native syntax is left untouched.
func Normalize(templateStr string) string {
	return barePath.ReplaceAllString(templateStr, `{{ lookup . "$1" }}`)
}

// Parse normalizes and parses a template without executing it.
func Parse(templateStr string) (*template.Template, error) {
	tmpl, err := template.
		New("funnelflow").
		Funcs(funcs).
		Option("missingkey=zero").
		Parse(Normalize(templateStr))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	return tmpl, nil
}

// RenderString renders the template and returns the text verbatim.
func RenderString(templateStr string, data map[string]any) (string, error) {
	tmpl, err := Parse(templateStr)
	if err != nil {
		return "", err
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return buf.String(), nil
}

// Render renders the template and decodes the result into JSON, a number or a boolean
// when the text looks like one. Anything else is returned as a string.
func Render(templateStr string, data map[string]any) (any, error) {
	result, err := RenderString(templateStr, data)
	if err != nil {
		return nil, err
	}

	result = strings.TrimSpace(result)
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// lookup walks a dotted path through nested maps. Missing segments yield "".
func lookup(data any, path string) any {
	current := data

	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}

		current, ok = m[segment]
		if !ok || current == nil {
			return ""
		}
	}

	return current
}
