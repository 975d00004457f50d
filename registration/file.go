package registration

import (
	"errors"
	"fmt"
	"os"

	"svc-registrar/codec"
)

// ErrNoRegistrations is returned for a declaration file that declares nothing,
// including an empty or truncated one caught in the middle of a save.
var ErrNoRegistrations = errors.New("declaration file has no registrations")

// File is the on-disk layout of a declaration file.
type File struct {
	Registrations []Registration `json:"registrations" yaml:"registrations"`
}

// Load reads a JSON or YAML declaration file, picking the codec from the
// file extension.
func Load(path string) ([]Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read declarations %s: %w", path, err)
	}
	return Decode(codec.ForPath(path), data)
}

// Decode parses declaration file contents with the given codec. A document
// without registrations is an error, never an empty desired state.
func Decode(c codec.Codec, data []byte) ([]Registration, error) {
	var f File
	if err := c.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("decode declarations: %w", err)
	}
	if len(f.Registrations) == 0 {
		return nil, ErrNoRegistrations
	}
	return f.Registrations, nil
}
