package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// marshalTargets converts a target list to JSON TEXT for storage.
// A nil list is stored as [] so the column never holds null.
func marshalTargets(targets []int64) (string, error) {
	if targets == nil {
		targets = []int64{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(targets); err != nil {
		return "", fmt.Errorf("marshal targets: %w", err)
	}
	// Remove trailing newline added by Encoder
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// unmarshalTargets converts JSON TEXT from the database to a target list.
func unmarshalTargets(data string) ([]int64, error) {
	var targets []int64
	if err := json.Unmarshal([]byte(data), &targets); err != nil {
		return nil, fmt.Errorf("unmarshal targets: %w", err)
	}
	return targets, nil
}

// fromMillis converts a stored unix-millisecond timestamp to UTC time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
