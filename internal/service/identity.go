package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/donor-registry/internal/model"
	"github.com/mmeshcher/donor-registry/internal/validation"
)

// RegisterIdentity создаёт личность или обновляет настройки отображения существующей
// с тем же email. Возвращает признак создания новой записи.
func (s *Service) RegisterIdentity(ctx context.Context, req model.RegistrationRequest) (*model.Identity, bool, error) {
	req.Email = validation.NormalizeEmail(req.Email)
	req.Username = strings.TrimSpace(req.Username)
	if err := validation.Struct(req); err != nil {
		return nil, false, validationError(err)
	}

	mode, ok := model.ParseDisplayMode(req.DisplayMode)
	if !ok {
		return nil, false, validationError(errors.New("displaymode: oneof"))
	}

	email := req.Email
	key := validation.NormalizeUsername(req.Username)
	username := req.Username
	displayName := strings.Join(strings.Fields(req.DisplayName), " ")
	suppliedMarker := strings.ToLower(req.Marker)

	role := strings.TrimSpace(req.Role)
	if role == "" {
		role = model.DefaultRole
	}

	showAmount := true
	if req.ShowAmount != nil {
		showAmount = *req.ShowAmount
	}

	var (
		result  model.Identity
		created bool
	)

	err := s.mutate(ctx, func(reg *model.Registry) error {
		created = false

		identities := reg.Identities()

		// Конфликт email проверяется раньше конфликта имени независимо от порядка записей.
		var existing *model.Identity
		for _, id := range identities {
			if validation.NormalizeEmail(id.Email) != email {
				continue
			}
			if validation.NormalizeUsername(id.Username) != key {
				return ErrEmailConflict
			}
			existing = id
		}
		for _, id := range identities {
			if validation.NormalizeUsername(id.Username) == key && validation.NormalizeEmail(id.Email) != email {
				return ErrUsernameConflict
			}
		}

		now := s.now()
		target := existing

		if target != nil {
			target.Username = username
			target.DisplayName = displayName
			target.Role = role
			target.DisplayMode = mode
			target.ShowAmount = showAmount
			target.UpdatedAt = now
			if suppliedMarker != "" {
				target.Marker = suppliedMarker
			}
		} else {
			marker := suppliedMarker
			if marker == "" {
				var err error
				marker, err = s.markers.Generate(email, now.Unix())
				if err != nil {
					return err
				}
			}

			target = &model.Identity{
				Username:    username,
				DisplayName: displayName,
				Email:       email,
				Role:        role,
				Marker:      marker,
				DisplayMode: mode,
				ShowAmount:  showAmount,
				Devices:     []model.Device{},
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			reg.Append(model.IdentityRecord(target))
			created = true
		}

		if d := findReconcileTarget(reg, target); d != nil {
			s.applyProjection(d, target)
		}

		result = *target
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.metrics.IdentityRegistered(created)
	s.logger.Info("identity registered",
		zap.String("username", result.Username),
		zap.Bool("created", created),
		zap.String("displayMode", string(result.DisplayMode)),
	)

	return &result, created, nil
}

// LookupIdentity ищет личность по имени пользователя, затем по email, без учёта регистра.
func (s *Service) LookupIdentity(ctx context.Context, identifier string) (*model.Identity, error) {
	norm := strings.ToLower(strings.TrimSpace(identifier))
	if norm == "" {
		return nil, validationError(errors.New("identifier: required"))
	}

	reg, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	identities := reg.Identities()
	for _, id := range identities {
		if validation.NormalizeUsername(id.Username) == norm {
			return id, nil
		}
	}
	for _, id := range identities {
		if validation.NormalizeEmail(id.Email) == norm {
			return id, nil
		}
	}

	return nil, ErrNotFound
}

// UsernameAvailable сообщает, свободно ли имя пользователя.
// Ошибка хранилища возвращается вызывающему, а не трактуется как «свободно».
func (s *Service) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	key := validation.NormalizeUsername(username)
	if key == "" {
		return false, validationError(errors.New("username: required"))
	}

	reg, err := s.load(ctx)
	if err != nil {
		return false, err
	}

	for _, id := range reg.Identities() {
		if validation.NormalizeUsername(id.Username) == key {
			return false, nil
		}
	}
	return true, nil
}
