// Package service реализует бизнес-логику реестра доноров.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/donor-registry/internal/metrics"
	"github.com/mmeshcher/donor-registry/internal/model"
	"github.com/mmeshcher/donor-registry/internal/payment"
	"github.com/mmeshcher/donor-registry/internal/repository"
	"github.com/mmeshcher/donor-registry/internal/session"
	"github.com/mmeshcher/donor-registry/internal/soulmark"
)

var (
	// ErrValidation возвращается при отсутствующих или некорректных входных данных.
	ErrValidation = errors.New("validation error")
	// ErrConflict возвращается при нарушении уникальности.
	ErrConflict = errors.New("conflict")
	// ErrEmailConflict означает, что email уже привязан к другому имени пользователя.
	ErrEmailConflict = fmt.Errorf("email already registered: %w", ErrConflict)
	// ErrUsernameConflict означает, что имя пользователя занято другим email.
	ErrUsernameConflict = fmt.Errorf("username already taken: %w", ErrConflict)
	// ErrDeviceConflict означает, что устройство привязано к другой личности.
	ErrDeviceConflict = fmt.Errorf("device bound to another identity: %w", ErrConflict)
	// ErrNotFound возвращается, если личность или устройство не найдены.
	ErrNotFound = errors.New("not found")
	// ErrPaymentNotFound возвращается, если процессинг не знает платёжную сессию.
	ErrPaymentNotFound = errors.New("payment session not found")
	// ErrPaymentNotCompleted возвращается, если сессия ещё не оплачена.
	ErrPaymentNotCompleted = errors.New("payment not completed")
	// ErrPaymentService возвращается при сбое или таймауте платёжного процессора.
	ErrPaymentService = errors.New("payment service error")
)

// errNoChange прерывает мутацию без записи реестра.
var errNoChange = errors.New("no change")

const maxWriteAttempts = 5

// Repository описывает контракт хранилища реестра, используемый сервисом.
type Repository interface {
	Close() error
	Load(ctx context.Context) (*model.Registry, error)
	Save(ctx context.Context, reg *model.Registry) error
}

// PaymentGateway описывает контракт платёжного процессора.
type PaymentGateway interface {
	CreateCheckout(ctx context.Context, p payment.CheckoutParams) (string, error)
	RetrieveSession(ctx context.Context, sessionID string) (*payment.Session, error)
}

// Service содержит бизнес-логику реестра доноров.
type Service struct {
	repo     Repository
	payments PaymentGateway
	markers  *soulmark.Generator
	tokens   *session.Issuer

	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	handleSuffix string
	frontendURL  string

	// mu сериализует цикл чтение-изменение-запись в пределах процесса.
	mu sync.Mutex
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер сервиса.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics задаёт метрики сервиса.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHandleSuffix задаёт суффикс публичного имени вида username@suffix.
func WithHandleSuffix(suffix string) Option {
	return func(s *Service) { s.handleSuffix = strings.TrimPrefix(suffix, "@") }
}

// WithFrontendURL задаёт адрес фронтенда для возврата после оплаты.
func WithFrontendURL(u string) Option {
	return func(s *Service) { s.frontendURL = strings.TrimRight(u, "/") }
}

// NewService создаёт новый сервис. payments может быть nil, если процессор не настроен.
func NewService(repo Repository, payments PaymentGateway, markers *soulmark.Generator, tokens *session.Issuer, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		payments: payments,
		markers:  markers,
		tokens:   tokens,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// mutate выполняет fn над свежим снимком реестра и сохраняет его целиком.
// Ошибка чтения прерывает операцию; конфликт версий приводит к повтору с новым снимком.
func (s *Service) mutate(ctx context.Context, fn func(reg *model.Registry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 1; ; attempt++ {
		reg, err := s.repo.Load(ctx)
		if err != nil {
			return fmt.Errorf("load registry: %w", err)
		}

		if err := fn(reg); err != nil {
			if errors.Is(err, errNoChange) {
				return nil
			}
			return err
		}

		err = s.repo.Save(ctx, reg)
		if err == nil {
			return nil
		}

		if !errors.Is(err, repository.ErrVersionConflict) || attempt == maxWriteAttempts {
			return fmt.Errorf("save registry: %w", err)
		}

		s.metrics.WriteConflict()
		s.logger.Warn("registry write conflict, retrying", zap.Int("attempt", attempt))
	}
}

// load читает снимок реестра для операций только на чтение.
func (s *Service) load(ctx context.Context) (*model.Registry, error) {
	reg, err := s.repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return reg, nil
}

// ListRegistry возвращает все записи реестра в порядке вставки.
func (s *Service) ListRegistry(ctx context.Context) ([]model.Record, error) {
	reg, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if reg.Records == nil {
		return []model.Record{}, nil
	}
	return reg.Records, nil
}

func validationError(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}
