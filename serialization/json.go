// Package serialization encodes message payloads.
package serialization

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Content types set on published messages
const (
	ContentTypeJSON   = "application/json"
	ContentTypeText   = "text/plain"
	ContentTypeBinary = "application/octet-stream"
)

// ErrEmptyBody is returned when decoding a message without a body
var ErrEmptyBody = errors.New("serialization: empty body")

var defaultConfig = sonic.ConfigStd

// Marshal encodes v as JSON
func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

// Unmarshal decodes JSON data into v
func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// EncodePayload turns a publish argument into a message body. Byte slices
// and strings are sent as they are; anything else is encoded as JSON.
func EncodePayload(data any) ([]byte, string, error) {
	switch v := data.(type) {
	case []byte:
		return v, ContentTypeBinary, nil
	case string:
		return []byte(v), ContentTypeText, nil
	case nil:
		return nil, "", fmt.Errorf("serialization: nil payload")
	}

	body, err := Marshal(data)
	if err != nil {
		return nil, "", fmt.Errorf("serialization: encode %T: %w", data, err)
	}
	return body, ContentTypeJSON, nil
}

// DecodeJSON decodes a message body into v. Bodies published as JSON
// strings, i.e. double encoded, are unwrapped first, so a consumer sees
// the same value whether the producer sent bytes, text or a JSON object.
func DecodeJSON(body []byte, v any) error {
	if len(body) == 0 {
		return ErrEmptyBody
	}

	if body[0] == '"' {
		if _, wantsString := v.(*string); !wantsString {
			var inner string
			if err := Unmarshal(body, &inner); err == nil {
				body = []byte(inner)
			}
		}
	}

	if err := Unmarshal(body, v); err != nil {
		return fmt.Errorf("serialization: decode json: %w", err)
	}
	return nil
}
