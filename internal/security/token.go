package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
)

type tokenBody struct {
	Data json.RawMessage `json:"data"`
	Iat  int64           `json:"iat"`
	Exp  int64           `json:"exp"`
}

// Signer выпускает и проверяет подписанные HMAC-SHA256 токены вида
// base64url(тело) "." hex(подпись).
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner создаёт подписывающий объект с указанным ключом.
func NewSigner(key []byte, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{key: key, now: now}
}

// Issue сериализует payload и подписывает его со временем выпуска и сроком жизни ttl.
func (s *Signer) Issue(payload any, ttl time.Duration) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal token payload: %w", err)
	}

	now := s.now()
	body, err := json.Marshal(tokenBody{
		Data: data,
		Iat:  now.UnixMilli(),
		Exp:  now.Add(ttl).UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal token body: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + s.sign(encoded), nil
}

// Verify проверяет подпись и срок действия токена и раскладывает полезную
// нагрузку в out.
func (s *Signer) Verify(token string, out any) error {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return apperr.New(apperr.KindBadSignature, "", "malformed token")
	}

	if !hmac.Equal([]byte(parts[1]), []byte(s.sign(parts[0]))) {
		return apperr.New(apperr.KindBadSignature, "", "signature mismatch")
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return apperr.Wrap(apperr.KindBadSignature, "", fmt.Errorf("decode token body: %w", err))
	}

	var body tokenBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return apperr.Wrap(apperr.KindBadSignature, "", fmt.Errorf("unmarshal token body: %w", err))
	}

	if s.now().UnixMilli() > body.Exp {
		return apperr.New(apperr.KindExpired, "", "token expired")
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body.Data, out); err != nil {
		return apperr.Wrap(apperr.KindBadSignature, "", fmt.Errorf("unmarshal token payload: %w", err))
	}
	return nil
}

func (s *Signer) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}
