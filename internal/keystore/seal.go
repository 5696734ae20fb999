package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Private keys at rest are PKCS#8 DER sealed with AES-256-GCM. The sealing
// key is derived from the record's kid with argon2id, so the kid doubles as
// the decryption passphrase and keys are only usable alongside their record.

const (
	sealSaltSize  = 16
	sealKeySize   = 32
	argonTime     = 1
	argonMemoryKB = 64 * 1024
	argonThreads  = 4

	sealedBlockType = "SEALED PRIVATE KEY"
	publicBlockType = "PUBLIC KEY"
)

func sealPrivateKey(key *rsa.PrivateKey, kid string) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal pkcs8: %w", err)
	}

	salt := make([]byte, sealSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := sealCipher(kid, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, der, nil)
	payload := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)

	block := &pem.Block{Type: sealedBlockType, Bytes: payload}
	return string(pem.EncodeToMemory(block)), nil
}

func openPrivateKey(sealedPEM, kid string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(sealedPEM))
	if block == nil || block.Type != sealedBlockType {
		return nil, fmt.Errorf("invalid sealed key block")
	}

	if len(block.Bytes) < sealSaltSize {
		return nil, fmt.Errorf("sealed payload truncated")
	}
	salt := block.Bytes[:sealSaltSize]

	gcm, err := sealCipher(kid, salt)
	if err != nil {
		return nil, err
	}
	rest := block.Bytes[sealSaltSize:]
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed payload truncated")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	der, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed key: %w", err)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", parsed)
	}
	return key, nil
}

func sealCipher(kid string, salt []byte) (cipher.AEAD, error) {
	derived := argon2.IDKey([]byte(kid), salt, argonTime, argonMemoryKB, argonThreads, sealKeySize)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

func encodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: publicBlockType, Bytes: der})), nil
}

func decodePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil || block.Type != publicBlockType {
		return nil, fmt.Errorf("invalid public key block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", parsed)
	}
	return pub, nil
}
