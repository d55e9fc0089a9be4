// Package session выпускает и проверяет токены сессий, выдаваемые при входе с устройства.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken возвращается для неподписанных, повреждённых или чужих токенов.
var ErrInvalidToken = errors.New("invalid session token")

// Claims содержит данные, закодированные в токене сессии.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Issuer подписывает токены HMAC-ключом процесса.
type Issuer struct {
	secretKey []byte
}

// NewIssuer создаёт Issuer. Если секрет пустой, используется случайный ключ,
// и токены перестают быть действительными после перезапуска.
func NewIssuer(secret string) *Issuer {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &Issuer{secretKey: key}
}

// Issue выпускает токен для пользователя. Срок действия не ограничен.
func (i *Issuer) Issue(username string, issuedAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  username,
			IssuedAt: jwt.NewNumericDate(issuedAt),
			ID:       uuid.NewString(),
		},
	})

	signed, err := token.SignedString(i.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse проверяет подпись токена и возвращает его данные.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return i.secretKey, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Username == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
