package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/donor-registry/internal/model"
	"github.com/mmeshcher/donor-registry/internal/validation"
)

const (
	maxDeviceIDLength = 256
	maxLabelLength    = 128
)

// RegisterDevice привязывает устройство к личности. Повторная привязка того же
// устройства ничего не меняет.
func (s *Service) RegisterDevice(ctx context.Context, username, deviceID, label string) ([]model.Device, error) {
	key := validation.NormalizeUsername(username)
	deviceID = strings.TrimSpace(deviceID)
	label = strings.TrimSpace(label)

	switch {
	case key == "":
		return nil, validationError(errors.New("username: required"))
	case deviceID == "":
		return nil, validationError(errors.New("deviceid: required"))
	case len(deviceID) > maxDeviceIDLength:
		return nil, validationError(fmt.Errorf("deviceid: max=%d", maxDeviceIDLength))
	case len(label) > maxLabelLength:
		return nil, validationError(fmt.Errorf("label: max=%d", maxLabelLength))
	}

	var (
		devices []model.Device
		bound   bool
	)

	err := s.mutate(ctx, func(reg *model.Registry) error {
		bound = false

		var owner *model.Identity
		for _, id := range reg.Identities() {
			if validation.NormalizeUsername(id.Username) == key {
				owner = id
				continue
			}
			if id.HasDevice(deviceID) {
				return ErrDeviceConflict
			}
		}
		if owner == nil {
			return ErrNotFound
		}

		if owner.HasDevice(deviceID) {
			devices = append([]model.Device(nil), owner.Devices...)
			return errNoChange
		}

		now := s.now()
		owner.Devices = append(owner.Devices, model.Device{
			DeviceID: deviceID,
			Label:    label,
			BoundAt:  now,
		})
		owner.UpdatedAt = now

		devices = append([]model.Device(nil), owner.Devices...)
		bound = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if bound {
		s.logger.Info("device bound", zap.String("username", key), zap.String("label", label))
	}

	return devices, nil
}

// LoginWithDevice выпускает токен сессии для личности, к которой привязано устройство.
func (s *Service) LoginWithDevice(ctx context.Context, deviceID string) (*model.Session, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, validationError(errors.New("deviceid: required"))
	}

	reg, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	for _, id := range reg.Identities() {
		if !id.HasDevice(deviceID) {
			continue
		}

		token, err := s.tokens.Issue(id.Username, s.now())
		if err != nil {
			return nil, fmt.Errorf("issue session token: %w", err)
		}

		s.metrics.DeviceLogin(true)
		return &model.Session{
			Token:    token,
			Username: id.Username,
			Marker:   id.Marker,
			Role:     id.Role,
		}, nil
	}

	s.metrics.DeviceLogin(false)
	return nil, ErrNotFound
}
