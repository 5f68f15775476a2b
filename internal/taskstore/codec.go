package taskstore

import (
	"encoding/json"

	"github.com/petrijr/taskworker/pkg/api"
)

// EncodeParams serializes task params as JSON so every backend stores them
// the same way. Numbers come back as float64.
func EncodeParams(params map[string]any) ([]byte, error) {
	if params == nil {
		return []byte("null"), nil
	}
	return json.Marshal(params)
}

// DecodeParams is the inverse of EncodeParams.
func DecodeParams(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeTask serializes a whole Task as JSON.
func EncodeTask(t api.Task) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask is the inverse of EncodeTask.
func DecodeTask(data []byte) (*api.Task, error) {
	var t api.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
