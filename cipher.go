package tuplebox

import (
	"encoding/hex"

	"github.com/nyan233/tuplebox/internal/page"
	"github.com/pkg/errors"
)

// Cipher encrypts page bodies in the store and page images in the log. The
// keystream of a page depends on its id and lsn.
type Cipher = page.Cipher

// NewAesCipher accepts 16, 24 or 32 byte keys.
func NewAesCipher(key []byte) (Cipher, error) {
	return page.NewAesCipher(key)
}

// NewAesCipherFromHex decodes a hex key, as kept in configuration.
func NewAesCipherFromHex(keyHex string) (Cipher, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, errors.Wrap(err, "cipher key")
	}
	return NewAesCipher(key)
}
