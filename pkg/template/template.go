// Package template provides templating for dynamic node configuration and
// gateway condition evaluation.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/fluxway/fluxway/pkg/models"
)

// RenderWithInstance renders against an instance's variables plus a few
// well-known namespaces.
func RenderWithInstance(input string, instance *models.WorkflowInstance, variables map[string]any) (any, error) {
	enhancedData := map[string]any{
		"variables": variables,
		"vars":      variables,
		"env":       getEnvVars(),
		"instance": map[string]any{
			"id":          instance.ID,
			"workflow_id": instance.WorkflowID,
			"version":     instance.Version,
		},
	}

	return Render(input, enhancedData)
}

func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("transform").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}
				num := make([]byte, 1)
				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % max
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	// Try to parse as JSON if it looks like JSON
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	// Try to parse as number
	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	// Try to parse as boolean
	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// RenderMap renders every string value of a config map, recursively.
func RenderMap(config map[string]any, data any) (map[string]any, error) {
	out := make(map[string]any, len(config))

	for key, value := range config {
		rendered, err := renderValue(value, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render %q: %w", key, err)
		}

		out[key] = rendered
	}

	return out, nil
}

func renderValue(value any, data any) (any, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}

		return Render(v, data)
	case map[string]any:
		return RenderMap(v, data)
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return value, nil
	}
}

// EvaluateCondition renders a gateway condition expression and reports
// whether it holds. Only an exact boolean true result counts.
func EvaluateCondition(expression string, instance *models.WorkflowInstance, variables map[string]any) (bool, error) {
	result, err := RenderWithInstance(expression, instance, variables)
	if err != nil {
		return false, err
	}

	b, ok := result.(bool)

	return ok && b, nil
}

// getEnvVars returns environment variables as a map.
func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
