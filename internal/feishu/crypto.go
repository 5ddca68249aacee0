package feishu

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// DecryptEvent decrypts an encrypted event envelope. The cipher is AES-CBC
// with the key derived as SHA-256 of the encrypt key and the IV carried in
// the first block of the ciphertext.
func DecryptEvent(encryptKey, encrypted string) ([]byte, error) {
	if encryptKey == "" {
		return nil, fmt.Errorf("encrypt key not configured")
	}
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(data) < aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d not block aligned", len(data))
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	iv := data[:aes.BlockSize]
	body := make([]byte, len(data)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(body, data[aes.BlockSize:])

	return stripPKCS7(body)
}

func stripPKCS7(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(b[len(b)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(b) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, p := range b[len(b)-pad:] {
		if int(p) != pad {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return b[:len(b)-pad], nil
}
