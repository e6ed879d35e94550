package wire

import "fmt"

// CodecName is the content-subtype negotiated by clients and the coordinator
const CodecName = "kmedoids-wire"

// Codec implements grpc's encoding.Codec for Message values
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("wire: cannot marshal %T", v)
	}
	return m.AppendWire(nil), nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("wire: cannot unmarshal into %T", v)
	}
	if err := m.UnmarshalWire(data); err != nil {
		return fmt.Errorf("wire: %T: %w", v, err)
	}
	return nil
}

func (Codec) Name() string {
	return CodecName
}
