package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Argument schemas follow the JSON Schema subset OpenAI-style tool
// definitions accept.

func objectSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func intProp(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

func boolProp(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func argString(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return strings.TrimSpace(s), nil
}

// argID accepts an integer under any of the given keys. Models emit ids as
// JSON numbers, numeric strings, or json.Number depending on the decoder.
func argID(args map[string]any, keys ...string) (int64, error) {
	for _, key := range keys {
		raw, ok := args[key]
		if !ok {
			continue
		}
		id, err := coerceInt64(raw)
		if err != nil {
			return 0, fmt.Errorf("argument %q must be an integer id", key)
		}
		if id <= 0 {
			return 0, fmt.Errorf("argument %q must be a positive id", key)
		}
		return id, nil
	}
	return 0, fmt.Errorf("missing required argument %q", keys[0])
}

func argIntDefault(args map[string]any, key string, fallback int) int {
	raw, ok := args[key]
	if !ok {
		return fallback
	}
	n, err := coerceInt64(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return int(n)
}

func argBool(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}

func argTimeDefault(args map[string]any, key string, fallback time.Time) time.Time {
	raw, ok := args[key].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return t
}

func coerceInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	default:
		return 0, fmt.Errorf("not an integer: %T", raw)
	}
}
