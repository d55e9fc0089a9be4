package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/donor-registry/internal/model"
	"github.com/mmeshcher/donor-registry/internal/payment"
	"github.com/mmeshcher/donor-registry/internal/repository"
	"github.com/mmeshcher/donor-registry/internal/session"
	"github.com/mmeshcher/donor-registry/internal/soulmark"
)

// stubRepo хранит реестр в сериализованном виде, чтобы каждая загрузка
// возвращала независимую копию, как настоящие хранилища.
type stubRepo struct {
	mu      sync.Mutex
	raw     []byte
	version int64

	loadErr     error
	saveErr     error
	conflicts   int
	saves       int
	afterLoadFn func()
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) Load(ctx context.Context) (*model.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	reg := &model.Registry{Version: s.version}
	if len(s.raw) > 0 {
		if err := json.Unmarshal(s.raw, &reg.Records); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (s *stubRepo) Save(ctx context.Context, reg *model.Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}
	if s.conflicts > 0 {
		s.conflicts--
		return repository.ErrVersionConflict
	}
	if reg.Version != s.version {
		return repository.ErrVersionConflict
	}

	raw, err := json.Marshal(reg.Records)
	if err != nil {
		return err
	}
	s.raw = raw
	s.version++
	s.saves++
	reg.Version = s.version
	return nil
}

func (s *stubRepo) records(t *testing.T) []model.Record {
	t.Helper()
	reg, err := s.Load(context.Background())
	require.NoError(t, err)
	return reg.Records
}

type stubPayments struct {
	sessions map[string]*payment.Session
	err      error
	calls    int

	checkoutURL string
	checkout    payment.CheckoutParams
}

func (p *stubPayments) CreateCheckout(ctx context.Context, params payment.CheckoutParams) (string, error) {
	p.checkout = params
	if p.err != nil {
		return "", p.err
	}
	return p.checkoutURL, nil
}

func (p *stubPayments) RetrieveSession(ctx context.Context, sessionID string) (*payment.Session, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, payment.ErrSessionNotFound
	}
	return s, nil
}

type fixture struct {
	svc      *Service
	repo     *stubRepo
	payments *stubPayments
	clock    *time.Time
	tokens   *session.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	markers, err := soulmark.NewGenerator("test-salt")
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		repo:     &stubRepo{},
		payments: &stubPayments{sessions: map[string]*payment.Session{}},
		clock:    &now,
		tokens:   session.NewIssuer("test-secret"),
	}

	f.svc = NewService(f.repo, f.payments, markers, f.tokens,
		WithClock(func() time.Time { return *f.clock }),
		WithHandleSuffix("werise"),
		WithFrontendURL("http://localhost:3000/"),
	)
	return f
}

func (f *fixture) tick() {
	*f.clock = f.clock.Add(time.Minute)
}

func (f *fixture) paidSession(id, email, name string, amount float64) {
	f.payments.sessions[id] = &payment.Session{
		ID:         id,
		Paid:       true,
		PayerEmail: email,
		PayerName:  name,
		Amount:     amount,
	}
}

func boolPtr(v bool) *bool { return &v }

func register(username, email, mode string) model.RegistrationRequest {
	return model.RegistrationRequest{
		Username:    username,
		DisplayName: "Display " + username,
		Email:       email,
		DisplayMode: mode,
	}
}

func TestConfirmThenRegister_HandleRelabelsDonation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidSession("sess_1", "alice@example.com", "Alice", 25)

	d, created, err := f.svc.ConfirmDonation(ctx, "sess_1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Alice", d.PublicDisplayName)
	require.NotNil(t, d.PublicAmount)
	assert.Equal(t, 25.0, *d.PublicAmount)
	assert.Len(t, d.Marker, 64)

	_, created, err = f.svc.RegisterIdentity(ctx, register("alice_j", "alice@example.com", "handle"))
	require.NoError(t, err)
	assert.True(t, created)

	records := f.repo.records(t)
	require.Len(t, records, 2)
	donation := records[0].Donation
	assert.Equal(t, "alice_j@werise", donation.PublicDisplayName)
	assert.Equal(t, model.DisplayModeHandle, donation.PublicDisplayMode)
	assert.Equal(t, 25.0, donation.Amount)
}

func TestConfirmDonation_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidSession("sess_1", "alice@example.com", "Alice", 25)

	first, created, err := f.svc.ConfirmDonation(ctx, "sess_1")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.svc.ConfirmDonation(ctx, "sess_1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Marker, second.Marker)
	assert.Equal(t, 1, f.payments.calls)
	assert.Len(t, f.repo.records(t), 1)
}

func TestConfirmDonation_PaymentOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.payments.sessions["unpaid"] = &payment.Session{ID: "unpaid", Paid: false, Amount: 5}

	_, _, err := f.svc.ConfirmDonation(ctx, "missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	_, _, err = f.svc.ConfirmDonation(ctx, "unpaid")
	assert.ErrorIs(t, err, ErrPaymentNotCompleted)

	f.payments.err = context.DeadlineExceeded
	_, _, err = f.svc.ConfirmDonation(ctx, "slow")
	assert.ErrorIs(t, err, ErrPaymentService)

	_, _, err = f.svc.ConfirmDonation(ctx, "  ")
	assert.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, f.repo.records(t))
}

func TestConfirmDonation_AnonymousPayerName(t *testing.T) {
	f := newFixture(t)
	f.paidSession("sess_1", "anon@example.com", "", 10)

	d, _, err := f.svc.ConfirmDonation(context.Background(), "sess_1")
	require.NoError(t, err)
	assert.Equal(t, model.AnonymousName, d.PayerName)
	assert.Equal(t, model.AnonymousName, d.PublicDisplayName)
}

func TestRegisterIdentity_Conflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.RegisterIdentity(ctx, register("bob", "b@example.com", "real"))
	require.NoError(t, err)

	_, _, err = f.svc.RegisterIdentity(ctx, register("bob", "other@example.com", "real"))
	assert.ErrorIs(t, err, ErrUsernameConflict)
	assert.ErrorIs(t, err, ErrConflict)

	_, _, err = f.svc.RegisterIdentity(ctx, register("bobby", "b@example.com", "real"))
	assert.ErrorIs(t, err, ErrEmailConflict)

	_, _, err = f.svc.RegisterIdentity(ctx, register("BOB", "other@example.com", "real"))
	assert.ErrorIs(t, err, ErrUsernameConflict)

	assert.Len(t, f.repo.records(t), 1)
}

func TestRegisterIdentity_EmailConflictReportedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.RegisterIdentity(ctx, register("bob", "b@example.com", "real"))
	require.NoError(t, err)
	_, _, err = f.svc.RegisterIdentity(ctx, register("alice", "a@example.com", "real"))
	require.NoError(t, err)

	// Имя занято первой записью, email занят второй.
	_, _, err = f.svc.RegisterIdentity(ctx, register("bob", "a@example.com", "real"))
	assert.ErrorIs(t, err, ErrEmailConflict)
	assert.NotErrorIs(t, err, ErrUsernameConflict)

	assert.Len(t, f.repo.records(t), 2)
}

func TestRegisterIdentity_UpdatePreservesCreatedAtAndDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.svc.RegisterIdentity(ctx, register("alice_j", "alice@example.com", "handle"))
	require.NoError(t, err)
	require.True(t, created)

	_, err = f.svc.RegisterDevice(ctx, "alice_j", "dev-42", "phone")
	require.NoError(t, err)

	f.tick()
	req := register("Alice_J", " ALICE@example.com ", "anonymous")
	req.ShowAmount = boolPtr(false)
	updated, created, err := f.svc.RegisterIdentity(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, first.CreatedAt, updated.CreatedAt)
	assert.Equal(t, first.Marker, updated.Marker)
	assert.Equal(t, model.DisplayModeAnonymous, updated.DisplayMode)
	assert.False(t, updated.ShowAmount)
	require.Len(t, updated.Devices, 1)
	assert.Equal(t, "dev-42", updated.Devices[0].DeviceID)
	assert.Len(t, f.repo.records(t), 1)
}

func TestRegisterIdentity_AnonymousRedactsButKeepsAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidSession("sess_1", "carol@example.com", "Carol", 40)

	_, _, err := f.svc.ConfirmDonation(ctx, "sess_1")
	require.NoError(t, err)

	_, _, err = f.svc.RegisterIdentity(ctx, register("carol", "carol@example.com", "anonymous"))
	require.NoError(t, err)

	d := f.repo.records(t)[0].Donation
	assert.Equal(t, model.AnonymousName, d.PublicDisplayName)
	assert.Nil(t, d.PublicEmail)
	assert.Equal(t, 40.0, d.Amount)
	assert.Equal(t, "carol@example.com", d.PayerEmail)
	require.NotNil(t, d.PublicAmount)
	assert.Equal(t, 40.0, *d.PublicAmount)
}

func TestRegisterIdentity_ShowAmountToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidSession("sess_1", "dave@example.com", "Dave", 15)

	_, _, err := f.svc.ConfirmDonation(ctx, "sess_1")
	require.NoError(t, err)

	req := register("dave", "dave@example.com", "real")
	req.ShowAmount = boolPtr(false)
	_, _, err = f.svc.RegisterIdentity(ctx, req)
	require.NoError(t, err)

	d := f.repo.records(t)[0].Donation
	assert.Nil(t, d.PublicAmount)
	assert.Equal(t, 15.0, d.Amount)
	assert.Equal(t, "Dave", d.PublicDisplayName)

	req.ShowAmount = boolPtr(true)
	_, _, err = f.svc.RegisterIdentity(ctx, req)
	require.NoError(t, err)

	d = f.repo.records(t)[0].Donation
	require.NotNil(t, d.PublicAmount)
	assert.Equal(t, d.Amount, *d.PublicAmount)
}

func TestRegisterIdentity_RelabelsOnlyMostRecentDonation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidSession("sess_old", "erin@example.com", "Erin", 5)
	f.paidSession("sess_new", "erin@example.com", "Erin", 7)

	_, _, err := f.svc.ConfirmDonation(ctx, "sess_old")
	require.NoError(t, err)
	f.tick()
	_, _, err = f.svc.ConfirmDonation(ctx, "sess_new")
	require.NoError(t, err)

	_, _, err = f.svc.RegisterIdentity(ctx, register("erin", "erin@example.com", "anonymous"))
	require.NoError(t, err)

	records := f.repo.records(t)
	assert.Equal(t, "Erin", records[0].Donation.PublicDisplayName)
	assert.Equal(t, model.AnonymousName, records[1].Donation.PublicDisplayName)
}

func TestRegisterIdentity_MarkerMatchWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidSession("sess_old", "fay@example.com", "Fay", 5)
	f.paidSession("sess_new", "fay@example.com", "Fay", 7)

	old, _, err := f.svc.ConfirmDonation(ctx, "sess_old")
	require.NoError(t, err)
	f.tick()
	_, _, err = f.svc.ConfirmDonation(ctx, "sess_new")
	require.NoError(t, err)

	req := register("fay", "fay@example.com", "handle")
	req.Marker = old.Marker
	id, _, err := f.svc.RegisterIdentity(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, old.Marker, id.Marker)

	records := f.repo.records(t)
	assert.Equal(t, "fay@werise", records[0].Donation.PublicDisplayName)
	assert.Equal(t, "Fay", records[1].Donation.PublicDisplayName)
}

func TestRegisterIdentity_ForeignMarkerDoesNotRelabel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidSession("sess_v", "victim@example.com", "Victor", 40)

	victim, _, err := f.svc.ConfirmDonation(ctx, "sess_v")
	require.NoError(t, err)

	public, err := f.svc.ListPublicDonations(ctx)
	require.NoError(t, err)
	require.Len(t, public, 1)

	req := register("mallory", "mallory@example.com", "handle")
	req.Marker = public[0].Marker
	req.ShowAmount = boolPtr(false)
	_, created, err := f.svc.RegisterIdentity(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	records := f.repo.records(t)
	d := records[0].Donation
	require.NotNil(t, d)
	assert.Equal(t, victim.Marker, d.Marker)
	assert.Equal(t, "Victor", d.PublicDisplayName)
	assert.Equal(t, model.DisplayModeReal, d.PublicDisplayMode)
	require.NotNil(t, d.PublicAmount)
	assert.Equal(t, 40.0, *d.PublicAmount)
}

func TestRegisterIdentity_ValidationErrorKeepsFieldDetails(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.RegisterIdentity(context.Background(), register("alice_j", "not-an-email", "handle"))
	require.ErrorIs(t, err, ErrValidation)

	var fieldErrs validator.ValidationErrors
	require.ErrorAs(t, err, &fieldErrs)
	require.Len(t, fieldErrs, 1)
	assert.Equal(t, "Email", fieldErrs[0].Field())
	assert.Equal(t, "email", fieldErrs[0].Tag())
	assert.Contains(t, err.Error(), "email: email")
}

func TestConfirmDonation_AppliesExistingIdentityPreferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := register("gus", "gus@example.com", "anonymous")
	req.ShowAmount = boolPtr(false)
	_, _, err := f.svc.RegisterIdentity(ctx, req)
	require.NoError(t, err)

	f.paidSession("sess_1", "gus@example.com", "Gus", 12)
	d, _, err := f.svc.ConfirmDonation(ctx, "sess_1")
	require.NoError(t, err)

	assert.Equal(t, model.AnonymousName, d.PublicDisplayName)
	assert.Nil(t, d.PublicAmount)
	assert.Nil(t, d.PublicEmail)
	assert.Equal(t, 12.0, d.Amount)
}

func TestRegisterIdentity_ValidationBeforeStorage(t *testing.T) {
	f := newFixture(t)
	f.repo.loadErr = errors.New("must not be called")

	_, _, err := f.svc.RegisterIdentity(context.Background(), model.RegistrationRequest{
		Username: "x",
		Email:    "nope",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRegisterIdentity_LoadFailureAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.svc.RegisterIdentity(ctx, register("hal", "hal@example.com", "real"))
	require.NoError(t, err)

	f.repo.loadErr = repository.ErrStorageUnavailable
	_, _, err = f.svc.RegisterIdentity(ctx, register("ivy", "ivy@example.com", "real"))
	assert.ErrorIs(t, err, repository.ErrStorageUnavailable)

	f.repo.loadErr = nil
	records := f.repo.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "hal", records[0].Identity.Username)
}

func TestRegisterIdentity_SaveFailureSurfaced(t *testing.T) {
	f := newFixture(t)
	f.repo.saveErr = repository.ErrStorageUnavailable

	_, _, err := f.svc.RegisterIdentity(context.Background(), register("hal", "hal@example.com", "real"))
	assert.ErrorIs(t, err, repository.ErrStorageUnavailable)
}

func TestMutate_RetriesOnVersionConflict(t *testing.T) {
	f := newFixture(t)
	f.repo.conflicts = 2

	_, _, err := f.svc.RegisterIdentity(context.Background(), register("hal", "hal@example.com", "real"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.repo.saves)
	assert.Len(t, f.repo.records(t), 1)
}

func TestMutate_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.repo.conflicts = maxWriteAttempts

	_, _, err := f.svc.RegisterIdentity(context.Background(), register("hal", "hal@example.com", "real"))
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
}

func TestConcurrentRegistrations_NoLostUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	usernames := []string{"user_a", "user_b", "user_c", "user_d", "user_e", "user_f"}

	var wg sync.WaitGroup
	for _, u := range usernames {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, _, err := f.svc.RegisterIdentity(ctx, register(u, u+"@example.com", "handle"))
			assert.NoError(t, err)
		}(u)
	}
	wg.Wait()

	assert.Len(t, f.repo.records(t), len(usernames))
}

func TestLookupIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.svc.RegisterIdentity(ctx, register("Alice_J", "alice@example.com", "handle"))
	require.NoError(t, err)

	byName, err := f.svc.LookupIdentity(ctx, "ALICE_J")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", byName.Email)

	byEmail, err := f.svc.LookupIdentity(ctx, " Alice@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "Alice_J", byEmail.Username)

	_, err = f.svc.LookupIdentity(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUsernameAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.svc.RegisterIdentity(ctx, register("bob", "b@example.com", "real"))
	require.NoError(t, err)

	available, err := f.svc.UsernameAvailable(ctx, "BOB")
	require.NoError(t, err)
	assert.False(t, available)

	available, err = f.svc.UsernameAvailable(ctx, "bobby")
	require.NoError(t, err)
	assert.True(t, available)

	f.repo.loadErr = repository.ErrStorageUnavailable
	_, err = f.svc.UsernameAvailable(ctx, "bobby")
	assert.ErrorIs(t, err, repository.ErrStorageUnavailable)
}

func TestRegisterDevice_IdempotentAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _, err := f.svc.RegisterIdentity(ctx, register("alice_j", "alice@example.com", "handle"))
	require.NoError(t, err)

	devices, err := f.svc.RegisterDevice(ctx, "alice_j", "dev-42", "phone")
	require.NoError(t, err)
	require.Len(t, devices, 1)

	devices, err = f.svc.RegisterDevice(ctx, "ALICE_J", "dev-42", "phone again")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "phone", devices[0].Label)

	sess, err := f.svc.LoginWithDevice(ctx, "dev-42")
	require.NoError(t, err)
	assert.Equal(t, "alice_j", sess.Username)
	assert.Equal(t, id.Marker, sess.Marker)
	assert.Equal(t, model.DefaultRole, sess.Role)

	claims, err := f.tokens.Parse(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice_j", claims.Username)

	_, err = f.svc.LoginWithDevice(ctx, "dev-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterDevice_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.svc.RegisterIdentity(ctx, register("alice_j", "alice@example.com", "handle"))
	require.NoError(t, err)
	_, _, err = f.svc.RegisterIdentity(ctx, register("bob", "b@example.com", "handle"))
	require.NoError(t, err)

	_, err = f.svc.RegisterDevice(ctx, "nobody", "dev-1", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.RegisterDevice(ctx, "alice_j", "", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.RegisterDevice(ctx, "alice_j", "dev-1", "")
	require.NoError(t, err)
	_, err = f.svc.RegisterDevice(ctx, "bob", "dev-1", "")
	assert.ErrorIs(t, err, ErrDeviceConflict)
}

func TestCreateCheckout(t *testing.T) {
	f := newFixture(t)
	f.payments.checkoutURL = "https://checkout.example/cs_1"

	u, err := f.svc.CreateCheckout(context.Background(), model.CheckoutRequest{
		Name:   "QA Tester",
		Email:  "QA@example.com",
		Amount: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/cs_1", u)
	assert.Equal(t, "qa@example.com", f.payments.checkout.Email)
	assert.Equal(t, "http://localhost:3000/index.html", f.payments.checkout.CancelURL)

	_, err = f.svc.CreateCheckout(context.Background(), model.CheckoutRequest{Email: "qa@example.com"})
	assert.ErrorIs(t, err, ErrValidation)

	f.payments.err = errors.New("boom")
	_, err = f.svc.CreateCheckout(context.Background(), model.CheckoutRequest{Email: "qa@example.com", Amount: 1})
	assert.ErrorIs(t, err, ErrPaymentService)
}

func TestPublicDonationsAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidSession("sess_1", "a@example.com", "A", 10)
	f.paidSession("sess_2", "a@example.com", "A", 5)
	f.paidSession("sess_3", "b@example.com", "B", 2.5)

	for _, id := range []string{"sess_1", "sess_2", "sess_3"} {
		_, _, err := f.svc.ConfirmDonation(ctx, id)
		require.NoError(t, err)
		f.tick()
	}

	list, err := f.svc.ListPublicDonations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "B", list[0].DisplayName)

	stats, err := f.svc.DonationStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 17.5, stats.TotalAmount)
	assert.Equal(t, 2, stats.Donors)
}

func TestListRegistry_EmptyIsNotNil(t *testing.T) {
	f := newFixture(t)

	records, err := f.svc.ListRegistry(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}
