// Package metrics содержит метрики Prometheus реестра доноров.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics хранит счётчики сервиса. Методы безопасны для nil-получателя.
type Metrics struct {
	IdentitiesRegistered *prometheus.CounterVec
	DonationsConfirmed   *prometheus.CounterVec
	DonatedAmount        prometheus.Counter
	DeviceLogins         *prometheus.CounterVec
	PaymentErrors        prometheus.Counter
	WriteConflicts       prometheus.Counter
}

// New создаёт и регистрирует метрики в указанном реестре.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		IdentitiesRegistered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "donor_registry_identities_registered_total",
			Help: "Identity registrations by outcome (created, updated)",
		}, []string{"outcome"}),
		DonationsConfirmed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "donor_registry_donations_confirmed_total",
			Help: "Donation confirmations by outcome (created, duplicate)",
		}, []string{"outcome"}),
		DonatedAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "donor_registry_donated_amount_total",
			Help: "Sum of confirmed donation amounts in major currency units",
		}),
		DeviceLogins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "donor_registry_device_logins_total",
			Help: "Device login attempts by result (ok, unknown_device)",
		}, []string{"result"}),
		PaymentErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "donor_registry_payment_errors_total",
			Help: "Failed calls to the payment processor",
		}),
		WriteConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "donor_registry_write_conflicts_total",
			Help: "Registry saves rejected because of a concurrent writer",
		}),
	}
}

// IdentityRegistered учитывает регистрацию или обновление личности.
func (m *Metrics) IdentityRegistered(created bool) {
	if m == nil {
		return
	}
	if created {
		m.IdentitiesRegistered.WithLabelValues("created").Inc()
		return
	}
	m.IdentitiesRegistered.WithLabelValues("updated").Inc()
}

// DonationConfirmed учитывает подтверждение пожертвования.
func (m *Metrics) DonationConfirmed(created bool, amount float64) {
	if m == nil {
		return
	}
	if !created {
		m.DonationsConfirmed.WithLabelValues("duplicate").Inc()
		return
	}
	m.DonationsConfirmed.WithLabelValues("created").Inc()
	m.DonatedAmount.Add(amount)
}

// DeviceLogin учитывает попытку входа с устройства.
func (m *Metrics) DeviceLogin(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.DeviceLogins.WithLabelValues("ok").Inc()
		return
	}
	m.DeviceLogins.WithLabelValues("unknown_device").Inc()
}

// PaymentError учитывает сбой обращения к платёжному процессору.
func (m *Metrics) PaymentError() {
	if m == nil {
		return
	}
	m.PaymentErrors.Inc()
}

// WriteConflict учитывает отклонённую запись реестра.
func (m *Metrics) WriteConflict() {
	if m == nil {
		return
	}
	m.WriteConflicts.Inc()
}
