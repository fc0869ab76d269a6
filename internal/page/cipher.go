package page

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"sync"
)

// Cipher encrypts page bodies. Encrypt never works in place; Decrypt always
// does.
type Cipher interface {
	Encrypt(id ID, lsn uint64, plaintext []byte) (ciphertext []byte, err error)
	Free(ciphertext []byte)
	Decrypt(id ID, lsn uint64, ciphertext []byte) error
}

type aesCipher struct {
	pool  sync.Pool
	block cipher.Block
}

// NewAesCipher returns an AES-CTR page cipher. The counter block is derived
// from the page id and the page lsn, so every logged page image gets its own
// keystream.
func NewAesCipher(key []byte) (Cipher, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &aesCipher{
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, BodySize)
			},
		},
		block: c,
	}, nil
}

func (a *aesCipher) iv(id ID, lsn uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[0:8], uint64(id))
	binary.BigEndian.PutUint64(iv[8:16], lsn)
	return iv
}

func (a *aesCipher) Encrypt(id ID, lsn uint64, plaintext []byte) ([]byte, error) {
	ciphertext := a.pool.Get().([]byte)[:len(plaintext)]
	cipher.NewCTR(a.block, a.iv(id, lsn)).XORKeyStream(ciphertext, plaintext)
	return ciphertext, nil
}

func (a *aesCipher) Free(ciphertext []byte) {
	a.pool.Put(ciphertext[:cap(ciphertext)])
}

func (a *aesCipher) Decrypt(id ID, lsn uint64, ciphertext []byte) error {
	cipher.NewCTR(a.block, a.iv(id, lsn)).XORKeyStream(ciphertext, ciphertext)
	return nil
}
