// Package validation содержит функции валидации и нормализации входных данных.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{2,31}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return IsValidUsername(fl.Field().String())
	})
	return v
}

// NormalizeEmail приводит email к нижнему регистру и убирает пробелы по краям.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeUsername приводит имя пользователя к форме, используемой для сравнения.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// IsValidUsername проверяет, что имя пользователя состоит из допустимых символов.
func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(NormalizeUsername(username))
}

// Struct проверяет структуру по тегам validate и возвращает ошибку с перечнем
// некорректных полей.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	return &Error{Fields: fieldErrs}
}

// Error описывает нарушенные правила проверки полей.
// Unwrap возвращает исходные validator.ValidationErrors.
type Error struct {
	Fields validator.ValidationErrors
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, fe := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

func (e *Error) Unwrap() error {
	return e.Fields
}
