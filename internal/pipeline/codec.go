package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tonimelisma/icloud-go/internal/cloud"
)

// Codec serializes request parameters and decodes response bodies for one
// wire protocol.
type Codec interface {
	// Name matches cloud.Operation.Protocol.
	Name() string
	ContentType() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec is the JSON wire protocol.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return cloud.ProtocolJSON }

// ContentType implements Codec.
func (JSONCodec) ContentType() string { return "application/json" }

// Encode marshals v. Nil encodes to no body; raw JSON passes through.
func (JSONCodec) Encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		if !json.Valid(t) {
			return nil, fmt.Errorf("pipeline: raw body is not valid JSON")
		}

		return t, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encoding params: %w", err)
	}

	return data, nil
}

// Decode unmarshals data into v. An empty body leaves v untouched.
func (JSONCodec) Decode(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return cloud.NewSemanticError(cloud.CodeMalformedResponse, "response is not valid JSON", nil).WithCause(err)
	}

	return nil
}
