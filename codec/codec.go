// Package codec provides the serialization formats used by the registrar:
// JSON for directory record values stored in etcd, and JSON or YAML for
// endpoint declaration files.
package codec

import (
	"path/filepath"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeYAML CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=YAML
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeYAML {
		return &YAMLCodec{}
	}

	return &JSONCodec{}
}

// ForPath picks a codec from a file extension. Anything that is not
// .yaml or .yml is treated as JSON.
func ForPath(path string) Codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return GetCodec(CodecTypeYAML)
	default:
		return GetCodec(CodecTypeJSON)
	}
}
