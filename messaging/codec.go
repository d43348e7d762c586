package messaging

import "encoding/json"

// Codec decodes a delivery body into the value handed to the Handler
type Codec interface {
	Decode(body []byte) (any, error)
}

// JSONCodec decodes bodies as JSON into generic values
// (map[string]any, []any, string, float64, bool, nil).
type JSONCodec struct{}

// Decode implements Codec
func (JSONCodec) Decode(body []byte) (any, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}
