package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the grpc content-subtype carrying the protocol's JSON
// envelopes. Clients select it with grpc.CallContentSubtype; the server picks
// it up from the request content-type.
const CodecName = "hodei-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s message: %w", CodecName, err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return CodecName
}
