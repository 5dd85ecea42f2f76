package resultbackend

import "encoding/json"

// wireValue is the tagged envelope persisted for every stored value:
// {"type": "...", "value": ...}. It is sufficient to round-trip the
// value kinds this spec supports (nil, bool, number, string, slice, map)
// without losing the distinction between, say, an absent value and a
// JSON null.
type wireValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

const (
	typeNull   = "null"
	typeBool   = "bool"
	typeNumber = "number"
	typeString = "string"
	typeSlice  = "slice"
	typeMap    = "map"
)

// Encode serializes v into the tagged-JSON wire format.
func Encode(v any) ([]byte, error) {
	t := typeOf(v)
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: t, Value: raw})
}

// Decode reverses Encode. decode(encode(v)) == v for every supported type.
func Decode(data []byte) (any, error) {
	var wv wireValue
	if err := json.Unmarshal(data, &wv); err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(wv.Value, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func typeOf(v any) string {
	switch v.(type) {
	case nil:
		return typeNull
	case bool:
		return typeBool
	case float64, float32, int, int32, int64:
		return typeNumber
	case string:
		return typeString
	case []any:
		return typeSlice
	case map[string]any:
		return typeMap
	default:
		return typeString
	}
}
