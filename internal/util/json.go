package util

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes an event or response payload with a wrapped error.
// The gateway uses this for every outbound WebSocket frame so marshal
// failures surface with context instead of a bare encoding error.
//
//	data, err := util.MarshalJSON(ev)
//	if err != nil {
//	    return err
//	}
func MarshalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("JSON marshal error: %w", err)
	}
	return data, nil
}

// UnmarshalJSON decodes inbound frame bytes with a wrapped error.
func UnmarshalJSON(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("JSON unmarshal error: %w", err)
	}
	return nil
}
