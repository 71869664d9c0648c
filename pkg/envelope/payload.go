package envelope

import (
	"encoding/json"
	"fmt"
)

const payloadLogPrefix = "envelope:payload"

// Normalize converts a JSON-marshalable Go value into the canonical payload
// tree: nil, bool, float64, string, []any or map[string]any.
func Normalize(v any) (any, error) {
	if isTree(v) {
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - payload is not serializable: %w", payloadLogPrefix, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%s - payload round trip failed: %w", payloadLogPrefix, err)
	}
	return out, nil
}

// DecodePayload copies a payload tree into a typed Go value.
func DecodePayload(payload any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s - failed to encode payload: %w", payloadLogPrefix, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s - failed to decode payload: %w", payloadLogPrefix, err)
	}
	return nil
}

func isTree(v any) bool {
	switch t := v.(type) {
	case nil, bool, float64, string:
		return true
	case []any:
		for _, item := range t {
			if !isTree(item) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, item := range t {
			if !isTree(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
