package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/donor-registry/internal/model"
	"github.com/mmeshcher/donor-registry/internal/payment"
	"github.com/mmeshcher/donor-registry/internal/validation"
)

// CreateCheckout создаёт платёжную сессию и возвращает адрес для перенаправления.
func (s *Service) CreateCheckout(ctx context.Context, req model.CheckoutRequest) (string, error) {
	req.Email = validation.NormalizeEmail(req.Email)
	if err := validation.Struct(req); err != nil {
		return "", validationError(err)
	}
	if s.payments == nil {
		return "", fmt.Errorf("%w: payment processor not configured", ErrPaymentService)
	}

	email := req.Email

	redirectURL, err := s.payments.CreateCheckout(ctx, payment.CheckoutParams{
		Name:       strings.TrimSpace(req.Name),
		Email:      email,
		Amount:     req.Amount,
		SuccessURL: s.frontendURL + "/success.html?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.frontendURL + "/index.html",
	})
	if err != nil {
		s.metrics.PaymentError()
		return "", fmt.Errorf("%w: create checkout: %v", ErrPaymentService, err)
	}

	s.logger.Info("checkout created", zap.String("email", email), zap.Float64("amount", req.Amount))
	return redirectURL, nil
}

// ConfirmDonation подтверждает оплаченную сессию и добавляет пожертвование в реестр.
// Повторное подтверждение возвращает уже сохранённое пожертвование с created=false.
func (s *Service) ConfirmDonation(ctx context.Context, sessionID string) (*model.Donation, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, false, validationError(errors.New("sessionid: required"))
	}

	reg, err := s.load(ctx)
	if err != nil {
		return nil, false, err
	}
	if d := findDonation(reg, sessionID); d != nil {
		s.metrics.DonationConfirmed(false, d.Amount)
		return d, false, nil
	}

	ps, err := s.retrievePaidSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}

	email := validation.NormalizeEmail(ps.PayerEmail)
	name := strings.TrimSpace(ps.PayerName)
	if name == "" {
		name = model.AnonymousName
	}

	var (
		result  model.Donation
		created bool
	)

	err = s.mutate(ctx, func(reg *model.Registry) error {
		created = false

		if d := findDonation(reg, sessionID); d != nil {
			result = *d
			return errNoChange
		}

		now := s.now()
		marker, err := s.markers.Generate(email, now.Unix())
		if err != nil {
			return err
		}

		amount := ps.Amount
		publicEmail := email
		d := &model.Donation{
			PayerName:         name,
			PayerEmail:        email,
			Amount:            ps.Amount,
			Marker:            marker,
			PaymentSessionID:  sessionID,
			ConfirmedAt:       now,
			PublicDisplayName: name,
			PublicDisplayMode: model.DisplayModeReal,
			PublicAmount:      &amount,
			PublicEmail:       &publicEmail,
		}

		// Новое пожертвование становится последним для этого email, поэтому
		// к нему сразу применяются настройки уже зарегистрированной личности.
		if id := identityByEmail(reg, email); id != nil {
			s.applyProjection(d, id)
		}

		reg.Append(model.DonationRecord(d))
		result = *d
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.metrics.DonationConfirmed(created, result.Amount)
	if created {
		s.logger.Info("donation confirmed",
			zap.String("sessionID", sessionID),
			zap.String("email", email),
			zap.Float64("amount", result.Amount),
			zap.String("marker", result.Marker),
		)
	}

	return &result, created, nil
}

func (s *Service) retrievePaidSession(ctx context.Context, sessionID string) (*payment.Session, error) {
	if s.payments == nil {
		return nil, fmt.Errorf("%w: payment processor not configured", ErrPaymentService)
	}

	ps, err := s.payments.RetrieveSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, payment.ErrSessionNotFound) {
			return nil, ErrPaymentNotFound
		}
		s.metrics.PaymentError()
		s.logger.Error("retrieve payment session error", zap.String("sessionID", sessionID), zap.Error(err))
		return nil, fmt.Errorf("%w: retrieve session: %v", ErrPaymentService, err)
	}
	if ps == nil {
		return nil, ErrPaymentNotFound
	}
	if !ps.Paid {
		return nil, ErrPaymentNotCompleted
	}
	if ps.Amount <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount for session %s", ErrPaymentService, sessionID)
	}

	return ps, nil
}

// ListPublicDonations возвращает публичную проекцию пожертвований, новые первыми.
func (s *Service) ListPublicDonations(ctx context.Context) ([]model.PublicDonation, error) {
	reg, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	donations := reg.Donations()
	sort.SliceStable(donations, func(i, j int) bool {
		return donations[i].ConfirmedAt.After(donations[j].ConfirmedAt)
	})

	res := make([]model.PublicDonation, 0, len(donations))
	for _, d := range donations {
		res = append(res, model.PublicDonation{
			DisplayName: d.PublicDisplayName,
			DisplayMode: d.PublicDisplayMode,
			Amount:      d.PublicAmount,
			Email:       d.PublicEmail,
			Marker:      d.Marker,
			ConfirmedAt: d.ConfirmedAt,
		})
	}
	return res, nil
}

// DonationStats возвращает количество и сумму пожертвований и число уникальных доноров.
func (s *Service) DonationStats(ctx context.Context) (*model.DonationStats, error) {
	reg, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	stats := &model.DonationStats{}
	donors := make(map[string]struct{})
	for _, d := range reg.Donations() {
		stats.Count++
		stats.TotalAmount += d.Amount
		if d.PayerEmail != "" {
			donors[d.PayerEmail] = struct{}{}
		}
	}
	stats.Donors = len(donors)

	return stats, nil
}

func findDonation(reg *model.Registry, sessionID string) *model.Donation {
	for _, d := range reg.Donations() {
		if d.PaymentSessionID == sessionID {
			return d
		}
	}
	return nil
}

func identityByEmail(reg *model.Registry, email string) *model.Identity {
	if email == "" {
		return nil
	}
	for _, id := range reg.Identities() {
		if validation.NormalizeEmail(id.Email) == email {
			return id
		}
	}
	return nil
}

// findReconcileTarget выбирает пожертвование, которое отражает настройки личности:
// совпадение по маркеру, иначе самое позднее подтверждённое с тем же email.
// Маркер публичен, поэтому учитываются только пожертвования плательщика с email личности.
// Более ранние пожертвования того же донора не переименовываются.
func findReconcileTarget(reg *model.Registry, id *model.Identity) *model.Donation {
	donations := reg.Donations()
	email := validation.NormalizeEmail(id.Email)

	if id.Marker != "" {
		for _, d := range donations {
			if d.Marker == id.Marker && validation.NormalizeEmail(d.PayerEmail) == email {
				return d
			}
		}
	}

	var latest *model.Donation
	for _, d := range donations {
		if validation.NormalizeEmail(d.PayerEmail) != email {
			continue
		}
		// При равном времени побеждает более поздняя вставка.
		if latest == nil || !d.ConfirmedAt.Before(latest.ConfirmedAt) {
			latest = d
		}
	}
	return latest
}

// applyProjection пересчитывает публичные поля пожертвования по настройкам личности.
func (s *Service) applyProjection(d *model.Donation, id *model.Identity) {
	switch id.DisplayMode {
	case model.DisplayModeHandle:
		d.PublicDisplayName = s.handle(id.Username)
	case model.DisplayModeAnonymous:
		d.PublicDisplayName = model.AnonymousName
	case model.DisplayModeReal:
		name := d.PayerName
		if name == "" || name == model.AnonymousName {
			name = id.DisplayName
		}
		d.PublicDisplayName = name
	}
	d.PublicDisplayMode = id.DisplayMode

	if id.ShowAmount {
		amount := d.Amount
		d.PublicAmount = &amount
	} else {
		d.PublicAmount = nil
	}

	if id.DisplayMode == model.DisplayModeAnonymous {
		d.PublicEmail = nil
	} else {
		email := d.PayerEmail
		d.PublicEmail = &email
	}
}

func (s *Service) handle(username string) string {
	if s.handleSuffix == "" {
		return username
	}
	return username + "@" + s.handleSuffix
}
