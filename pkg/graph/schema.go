package graph

import (
	"fmt"
	"strings"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

func eventTypeEnum() []any {
	values := make([]any, 0, len(models.EventTypes))
	for _, eventType := range models.EventTypes {
		values = append(values, string(eventType))
	}

	return values
}

// ConfigSchema returns the JSON schema a node of the given kind must satisfy.
// Action nodes additionally satisfy the schema of their action kind, see ActionSchema.
func ConfigSchema(kind models.NodeKind) map[string]any {
	switch kind {
	case models.NodeKindTrigger:
		return map[string]any{
			"type":     "object",
			"required": []any{"event_type"},
			"properties": map[string]any{
				"event_type":    map[string]any{"type": "string", "enum": eventTypeEnum()},
				"stage_id":      map[string]any{"type": "string"},
				"to_stage_id":   map[string]any{"type": "string"},
				"from_stage_id": map[string]any{"type": "string"},
				"keyword":       map[string]any{"type": "string"},
				"tag_id":        map[string]any{"type": "string"},
				"source":        map[string]any{"type": "string"},
				"days":          map[string]any{"type": "integer", "minimum": 0},
				"cron":          map[string]any{"type": "string"},
				"frequency":     map[string]any{"type": "string", "enum": []any{"always", "once"}},
			},
		}
	case models.NodeKindAction:
		return map[string]any{
			"type":     "object",
			"required": []any{"action"},
			"properties": map[string]any{
				"action": map[string]any{"type": "string", "minLength": 1},
			},
		}
	case models.NodeKindCondition:
		return map[string]any{
			"type":     "object",
			"required": []any{"predicate"},
			"properties": map[string]any{
				"predicate": map[string]any{"type": "string", "minLength": 1},
				"tag_id":    map[string]any{"type": "string"},
				"stage_id":  map[string]any{"type": "string"},
				"text":      map[string]any{"type": "string"},
				"negate":    map[string]any{"type": "boolean"},
			},
		}
	case models.NodeKindDelay:
		return map[string]any{
			"type":     "object",
			"required": []any{"amount", "unit"},
			"properties": map[string]any{
				"amount": map[string]any{"type": "integer", "minimum": 1},
				"unit":   map[string]any{"type": "string", "enum": []any{"minutes", "hours", "days"}},
			},
		}
	default:
		return nil
	}
}

func requiredStrings(keys ...string) map[string]any {
	properties := make(map[string]any, len(keys))
	required := make([]any, 0, len(keys))

	for _, key := range keys {
		properties[key] = map[string]any{"type": "string", "minLength": 1}
		required = append(required, key)
	}

	return map[string]any{
		"type":       "object",
		"required":   required,
		"properties": properties,
	}
}

// ActionSchema returns the parameter schema for an action kind and whether the kind is known.
func ActionSchema(kind models.ActionKind) (map[string]any, bool) {
	switch kind {
	case models.ActionSendMessage:
		schema := requiredStrings("template")
		schema["properties"].(map[string]any)["channel"] = map[string]any{"type": "string"}

		return schema, true
	case models.ActionMoveStage:
		return requiredStrings("stage_id"), true
	case models.ActionAddTag, models.ActionRemoveTag:
		return requiredStrings("tag_id"), true
	case models.ActionAssignUser:
		return requiredStrings("user_id"), true
	case models.ActionCreateTask:
		schema := requiredStrings("title")
		properties := schema["properties"].(map[string]any)
		properties["description"] = map[string]any{"type": "string"}
		properties["due_in_hours"] = map[string]any{"type": "integer", "minimum": 0}

		return schema, true
	case models.ActionCallWebhook:
		schema := requiredStrings("url")
		properties := schema["properties"].(map[string]any)
		properties["url"] = map[string]any{"type": "string", "pattern": "^https?://"}
		properties["method"] = map[string]any{
			"type": "string",
			"enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE"},
		}
		properties["headers"] = map[string]any{
			"type":                 "object",
			"additionalProperties": map[string]any{"type": "string"},
		}
		properties["timeout_seconds"] = map[string]any{"type": "integer", "minimum": 1, "maximum": 30}
		properties["extract"] = map[string]any{
			"type":                 "object",
			"additionalProperties": map[string]any{"type": "string"},
		}

		return schema, true
	case models.ActionAlert:
		schema := requiredStrings("message")
		properties := schema["properties"].(map[string]any)
		properties["title"] = map[string]any{"type": "string"}
		properties["user_id"] = map[string]any{"type": "string"}
		properties["severity"] = map[string]any{"type": "string", "enum": []any{"info", "warning", "critical"}}

		return schema, true
	default:
		return nil, false
	}
}

func validateAgainstSchema(schema map[string]any, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errorMessages []string
		for _, resultErr := range result.Errors() {
			errorMessages = append(errorMessages, resultErr.String())
		}

		return fmt.Errorf("JSON schema validation failed: %s", strings.Join(errorMessages, "; "))
	}

	return nil
}
