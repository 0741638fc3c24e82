package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"encoding/asn1"
	"fmt"
)

// Cipher names a content-encryption algorithm.
type Cipher int

const (
	// DESEDE3CBC is three-key triple DES in CBC mode, the protocol default.
	DESEDE3CBC Cipher = iota
	AES128CBC
	AES256CBC
	// DESCBC is single DES. It is accepted when decoding envelopes from legacy
	// servers but never used for encoding.
	DESCBC
)

var (
	oidDESEDE3CBC = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7}
	oidDESCBC     = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 7}
	oidAES128CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
	oidAES256CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
)

type cipherSpec struct {
	name      string
	oid       asn1.ObjectIdentifier
	keySize   int
	blockSize int
	encode    bool
	newBlock  func(key []byte) (cipher.Block, error)
}

var cipherSpecs = map[Cipher]cipherSpec{
	DESEDE3CBC: {name: "DES-EDE3-CBC", oid: oidDESEDE3CBC, keySize: 24, blockSize: des.BlockSize, encode: true, newBlock: des.NewTripleDESCipher},
	AES128CBC:  {name: "AES-128-CBC", oid: oidAES128CBC, keySize: 16, blockSize: aes.BlockSize, encode: true, newBlock: aes.NewCipher},
	AES256CBC:  {name: "AES-256-CBC", oid: oidAES256CBC, keySize: 32, blockSize: aes.BlockSize, encode: true, newBlock: aes.NewCipher},
	DESCBC:     {name: "DES-CBC", oid: oidDESCBC, keySize: 8, blockSize: des.BlockSize, encode: false, newBlock: des.NewCipher},
}

func (c Cipher) String() string {
	if spec, ok := cipherSpecs[c]; ok {
		return spec.name
	}
	return fmt.Sprintf("Cipher(%d)", int(c))
}

// CipherByName resolves names such as "DES3", "DES-EDE3-CBC", "AES" or "AES-256".
func CipherByName(name string) (Cipher, bool) {
	switch name {
	case "DES3", "DES-EDE3-CBC", "3DES":
		return DESEDE3CBC, true
	case "AES", "AES128", "AES-128", "AES-128-CBC":
		return AES128CBC, true
	case "AES256", "AES-256", "AES-256-CBC":
		return AES256CBC, true
	case "DES", "DES-CBC":
		return DESCBC, true
	default:
		return 0, false
	}
}

func cipherByOID(oid asn1.ObjectIdentifier) (cipherSpec, bool) {
	for _, spec := range cipherSpecs {
		if spec.oid.Equal(oid) {
			return spec, true
		}
	}
	return cipherSpec{}, false
}

// setOddParity fixes the parity bit of every DES key byte.
func setOddParity(key []byte) {
	for i, b := range key {
		b &= 0xfe
		ones := 0
		for v := b; v != 0; v >>= 1 {
			ones += int(v & 1)
		}
		if ones%2 == 0 {
			b |= 1
		}
		key[i] = b
	}
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a positive multiple of block size %d", len(data), blockSize)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("invalid padding length %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
