package prefs

import (
	"encoding/json"
)

// encode serializes a value to the JSON text that is written to storage
func encode(value any) ([]byte, error) {
	return json.Marshal(value)
}

// decode parses stored JSON text. Numbers become float64, objects map[string]any
// and arrays []any.
func decode(data []byte) (any, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// normalize returns the value in the representation decode produces, so that
// a value compares equal to itself after a round trip through storage.
func normalize(value any) (any, error) {
	data, err := encode(value)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// clone deep copies a decoded value so callers can not modify the state of a record
func clone(value any) any {
	switch v := value.(type) {
	case map[string]any:
		c := make(map[string]any, len(v))
		for key, elem := range v {
			c[key] = clone(elem)
		}
		return c
	case []any:
		c := make([]any, len(v))
		for i, elem := range v {
			c[i] = clone(elem)
		}
		return c
	default:
		return v
	}
}
