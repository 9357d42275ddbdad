package pricing

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var encMode cbor.EncMode

// fingerprintKey is the zero-padded ASCII domain name used as the BLAKE3 key.
var fingerprintKey = [32]byte{
	's', 'e', 's', 's', 'i', 'o', 'n', 's', 'y', 'n', 'c', '.', 'p', 'r', 'i', 'c',
	'i', 'n', 'g', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("pricing: CBOR encoder initialization failed: " + err.Error())
	}
}

// Fingerprint returns a stable hex digest of cfg. Map ordering does not
// affect the result.
func Fingerprint(cfg Config) (string, error) {
	canonical := Config{
		Models:  cfg.Models,
		Mapping: cfg.Mapping,
	}
	if canonical.Models == nil {
		canonical.Models = map[string]ModelRate{}
	}
	if canonical.Mapping == nil {
		canonical.Mapping = map[string]string{}
	}

	data, err := encMode.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("encode pricing config: %w", err)
	}

	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		return "", fmt.Errorf("init fingerprint hasher: %w", err)
	}
	if _, err := hasher.Write(data); err != nil {
		return "", fmt.Errorf("hash pricing config: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
