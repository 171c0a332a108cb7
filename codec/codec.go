package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON
}

// GetCodec returns the codec for codecType. Agents only speak JSON, so every
// type currently resolves to the JSON codec.
func GetCodec(codecType CodecType) Codec {
	return &JSONCodec{}
}
