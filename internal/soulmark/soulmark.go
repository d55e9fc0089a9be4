// Package soulmark генерирует псевдонимные маркеры доноров.
package soulmark

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"

	"golang.org/x/crypto/sha3"

	"github.com/mmeshcher/donor-registry/internal/validation"
)

const nonceSize = 32

// Generator вычисляет маркеры с солью процесса.
// Маркер служит идентификатором для корреляции и не является секретом для входа.
type Generator struct {
	salt []byte
}

// NewGenerator создаёт генератор с указанной солью. Если соль пустая, генерируется случайная.
func NewGenerator(salt string) (*Generator, error) {
	key := []byte(salt)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		key = []byte(hex.EncodeToString(key))
	}
	return &Generator{salt: key}, nil
}

// Generate возвращает 64-символьный hex-маркер для email и момента времени.
// Повторные вызовы с теми же аргументами дают разные маркеры.
func (g *Generator) Generate(email string, unixSeconds int64) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	h := sha3.New256()
	h.Write([]byte(validation.NormalizeEmail(email)))
	h.Write([]byte(strconv.FormatInt(unixSeconds, 10)))
	h.Write(g.salt)
	h.Write([]byte(hex.EncodeToString(nonce)))

	return hex.EncodeToString(h.Sum(nil)), nil
}
