package outputfeed

import (
	"encoding/json"
)

// codecName is the content subtype negotiated on the wire.
const codecName = "json"

// jsonCodec carries feed messages as JSON instead of protobuf so the
// service needs no generated code.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)     { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }
