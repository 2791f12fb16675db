package model

import (
	"encoding/json"
	"errors"
)

// JSONText is a JSON document stored as a text column and emitted as raw JSON
// in API responses.
type JSONText string

func NewJSONText(v any) (JSONText, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return JSONText(b), nil
}

func (j JSONText) MarshalJSON() ([]byte, error) {
	if j == "" {
		return []byte("null"), nil
	}
	if !json.Valid([]byte(j)) {
		return nil, errors.New("model: JSONText holds invalid json")
	}
	return []byte(j), nil
}

func (j *JSONText) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*j = ""
		return nil
	}
	*j = JSONText(b)
	return nil
}

// Decode unmarshals the document into v.
func (j JSONText) Decode(v any) error {
	if j == "" {
		return errors.New("model: empty JSONText")
	}
	return json.Unmarshal([]byte(j), v)
}
