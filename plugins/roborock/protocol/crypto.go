package protocol

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" // nolint:gosec
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	roborockSalt   = "TXdfu$jyZ#TZHsg4"
	broadcastToken = "qWKYcdQWrbm9hPqe"
	a01Hash        = "726f626f726f636b2d67a6d6da"
	b01Hash        = "5wwh9ikChRjASpMU8cxg7o1d2E"
)

func md5Bytes(data []byte) []byte {
	sum := md5.Sum(data) // nolint:gosec
	return sum[:]
}

// MD5Hex is shared with the cloud bus for credential hashing.
func MD5Hex(data []byte) string {
	return hex.EncodeToString(md5Bytes(data))
}

func sha256Bytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - (len(data) % blockSize)
	padding := bytes.Repeat([]byte{byte(pad)}, pad)
	out := make([]byte, 0, len(data)+pad)
	out = append(out, data...)
	return append(out, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padding size")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, errors.New("invalid padding")
	}
	for i := 0; i < pad; i++ {
		if data[len(data)-1-i] != byte(pad) {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}

func aesEcbEncrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	for start := 0; start < len(padded); start += block.BlockSize() {
		block.Encrypt(out[start:start+block.BlockSize()], padded[start:start+block.BlockSize()])
	}
	return out, nil
}

func aesEcbDecrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, errors.New("invalid ecb ciphertext length")
	}
	out := make([]byte, len(ciphertext))
	for start := 0; start < len(ciphertext); start += block.BlockSize() {
		block.Decrypt(out[start:start+block.BlockSize()], ciphertext[start:start+block.BlockSize()])
	}
	return pkcs7Unpad(out, block.BlockSize())
}

func aesCbcEncrypt(plaintext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("invalid cbc iv length %d", len(iv))
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func aesCbcDecrypt(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("invalid cbc iv length %d", len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, errors.New("invalid cbc ciphertext length")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, block.BlockSize())
}

func gcmEncrypt(key, nonce, aad, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

func gcmDecrypt(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, aad)
}

// DecryptMapPayload opens a map response body with the 16-byte security
// nonce sent alongside the map request. The nonce is the key; the IV is zero.
func DecryptMapPayload(body, securityNonce []byte) ([]byte, error) {
	if len(securityNonce) != 16 {
		return nil, fmt.Errorf("invalid security nonce length %d", len(securityNonce))
	}
	return aesCbcDecrypt(body, securityNonce, make([]byte, aes.BlockSize))
}

// EncryptMapPayload is the inverse of DecryptMapPayload.
func EncryptMapPayload(plain, securityNonce []byte) ([]byte, error) {
	if len(securityNonce) != 16 {
		return nil, fmt.Errorf("invalid security nonce length %d", len(securityNonce))
	}
	return aesCbcEncrypt(plain, securityNonce, make([]byte, aes.BlockSize))
}
