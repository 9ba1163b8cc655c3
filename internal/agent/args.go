package agent

import (
	"github.com/acontexthq/acontext/internal/apperr"
)

// StringArg extracts a required string argument.
func StringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", apperr.BadRequest("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", apperr.BadRequest("argument %q must be a string", key)
	}
	return s, nil
}

// OptionalStringArg extracts an optional string argument.
func OptionalStringArg(args map[string]any, key string) (string, bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, apperr.BadRequest("argument %q must be a string", key)
	}
	return s, true, nil
}

// IntArg extracts a required integer argument. JSON numbers arrive as
// float64.
func IntArg(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok {
		return 0, apperr.BadRequest("missing required argument %q", key)
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	default:
		return 0, apperr.BadRequest("argument %q must be an integer", key)
	}
}
