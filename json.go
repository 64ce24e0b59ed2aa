package hmap

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var (
	jsonMarshal   func(v any) ([]byte, error)
	jsonUnmarshal func(data []byte, v any) error
)

// SetDefaultJSONMarshal sets the default JSON serialization and deserialization functions.
// If not set, the standard library is used by default.
func SetDefaultJSONMarshal(marshal func(v any) ([]byte, error), unmarshal func(data []byte, v any) error) {
	jsonMarshal, jsonUnmarshal = marshal, unmarshal
}

func marshalEntries[K comparable, V any](entries map[K]V) ([]byte, error) {
	if jsonMarshal != nil {
		return jsonMarshal(entries)
	}
	return json.Marshal(entries)
}

func unmarshalEntries[K comparable, V any](data []byte) (map[K]V, error) {
	var a map[K]V
	if jsonUnmarshal != nil {
		if err := jsonUnmarshal(data, &a); err != nil {
			return nil, errors.Wrap(err, "hmap: decode entries")
		}
		return a, nil
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errors.Wrap(err, "hmap: decode entries")
	}
	return a, nil
}
