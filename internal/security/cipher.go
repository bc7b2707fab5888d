package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
)

const envelopeVersion byte = 0x01

const envelopeOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var hkdfInfoPayload = []byte("ticketdesk.payload.v1")

// Cipher шифрует чувствительные данные каталога ключом процесса.
//
// Формат конверта: base64(версия ‖ 24-байтовый nonce ‖ шифртекст ‖ тег).
// Байт версии участвует в аутентификации как AAD.
type Cipher struct {
	key []byte
}

// NewCipher выводит 32-байтовый ключ из секрета через HKDF-SHA256.
func NewCipher(secret []byte) (*Cipher, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty encryption secret")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfoPayload), key); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt шифрует строку со свежим случайным nonce на каждый вызов.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, envelopeOverhead+len(plaintext))
	out[0] = envelopeVersion
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	nonce := out[1 : 1+chacha20poly1305.NonceSizeX]
	out = aead.Seal(out, nonce, []byte(plaintext), out[:1])
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt расшифровывает конверт. Любой повреждённый или подделанный
// конверт даёт ошибку DECRYPT_FAILURE, а не мусорный текст.
func (c *Cipher) Decrypt(envelope string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", apperr.Wrap(apperr.KindDecryptFailure, "", fmt.Errorf("decode envelope: %w", err))
	}
	if len(raw) < envelopeOverhead {
		return "", apperr.New(apperr.KindDecryptFailure, "", fmt.Sprintf("envelope is %d bytes, minimum is %d", len(raw), envelopeOverhead))
	}
	if raw[0] != envelopeVersion {
		return "", apperr.New(apperr.KindDecryptFailure, "", fmt.Sprintf("unsupported envelope version %d", raw[0]))
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", apperr.Wrap(apperr.KindDecryptFailure, "", fmt.Errorf("create cipher: %w", err))
	}

	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], raw[:1])
	if err != nil {
		return "", apperr.Wrap(apperr.KindDecryptFailure, "", fmt.Errorf("open envelope: %w", err))
	}
	return string(plaintext), nil
}
