package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

var errInvalidJSON = errors.New("wire: response is not valid JSON")

// listElements extracts the record list from a response that may be a bare
// array, an object with a known list key, or an object whose first
// array-valued field holds the list. Other valid JSON yields an empty list.
func listElements(body []byte, key string) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, errInvalidJSON
	}

	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, errInvalidJSON
		}
		return items, nil
	case '{':
		arr, err := findArrayField(body, key)
		if err != nil || arr == nil {
			return nil, err
		}
		var items []json.RawMessage
		if err := json.Unmarshal(arr, &items); err != nil {
			return nil, errInvalidJSON
		}
		return items, nil
	default:
		return nil, nil
	}
}

// findArrayField walks the top-level fields of an object in document order.
// A field named key (case-insensitive) wins; otherwise the first
// array-valued field is returned. Nil means the object holds no array.
func findArrayField(body []byte, key string) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	if _, err := dec.Token(); err != nil { // opening brace
		return nil, errInvalidJSON
	}

	var first json.RawMessage
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, errInvalidJSON
		}
		name, _ := tok.(string)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, errInvalidJSON
		}
		value = bytes.TrimSpace(value)
		if len(value) == 0 || value[0] != '[' {
			continue
		}
		if strings.EqualFold(name, key) {
			return value, nil
		}
		if first == nil {
			first = value
		}
	}
	return first, nil
}
