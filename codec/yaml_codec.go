package codec

import (
	"gopkg.in/yaml.v3"
)

// YAMLCodec is used for hand-written declaration files.
// Field names follow the `yaml` struct tags of the decoded type.
type YAMLCodec struct{}

func (c *YAMLCodec) Encode(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

func (c *YAMLCodec) Decode(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

func (c *YAMLCodec) Type() CodecType {
	return CodecTypeYAML
}
