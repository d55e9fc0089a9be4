// Package model содержит доменные сущности реестра доноров.
package model

import "time"

// AnonymousName подставляется вместо имени плательщика, если процессинг его не вернул,
// и используется как публичное имя в анонимном режиме отображения.
const AnonymousName = "Anonymous"

// DefaultRole назначается личности, если роль не указана при регистрации.
const DefaultRole = "supporter"

// DisplayMode определяет, как личность отображается в списках пожертвований.
type DisplayMode string

const (
	DisplayModeHandle    DisplayMode = "handle"
	DisplayModeReal      DisplayMode = "real"
	DisplayModeAnonymous DisplayMode = "anonymous"
)

// ParseDisplayMode приводит входное значение к DisplayMode. Пустая строка и
// устаревшее значение "username" трактуются как handle.
func ParseDisplayMode(s string) (DisplayMode, bool) {
	switch DisplayMode(s) {
	case "", "username", DisplayModeHandle:
		return DisplayModeHandle, true
	case DisplayModeReal:
		return DisplayModeReal, true
	case DisplayModeAnonymous:
		return DisplayModeAnonymous, true
	}
	return "", false
}

// Device описывает устройство, привязанное к личности.
type Device struct {
	DeviceID string    `json:"deviceId"`
	Label    string    `json:"label"`
	BoundAt  time.Time `json:"boundAt"`
}

// Identity представляет зарегистрированного донора.
type Identity struct {
	Username    string      `json:"username"`
	DisplayName string      `json:"displayName"`
	Email       string      `json:"email"`
	Role        string      `json:"role"`
	Marker      string      `json:"marker"`
	DisplayMode DisplayMode `json:"displayMode"`
	ShowAmount  bool        `json:"showAmount"`
	Devices     []Device    `json:"devices"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// HasDevice сообщает, привязано ли устройство к личности.
func (i *Identity) HasDevice(deviceID string) bool {
	for _, d := range i.Devices {
		if d.DeviceID == deviceID {
			return true
		}
	}
	return false
}

// Donation описывает подтверждённый платёж и его публичную проекцию.
// Поля Amount, PaymentSessionID и PayerEmail не меняются после создания.
type Donation struct {
	PayerName        string    `json:"payerName"`
	PayerEmail       string    `json:"payerEmail"`
	Amount           float64   `json:"amount"`
	Marker           string    `json:"marker"`
	PaymentSessionID string    `json:"paymentSessionId"`
	ConfirmedAt      time.Time `json:"confirmedAt"`

	PublicDisplayName string      `json:"publicDisplayName"`
	PublicDisplayMode DisplayMode `json:"publicDisplayMode"`
	PublicAmount      *float64    `json:"publicAmount"`
	PublicEmail       *string     `json:"publicEmail"`
}

// PublicDonation содержит только публичные поля пожертвования.
type PublicDonation struct {
	DisplayName string      `json:"displayName"`
	DisplayMode DisplayMode `json:"displayMode"`
	Amount      *float64    `json:"amount"`
	Email       *string     `json:"email,omitempty"`
	Marker      string      `json:"marker"`
	ConfirmedAt time.Time   `json:"confirmedAt"`
}

// DonationStats содержит агрегированную статистику пожертвований.
type DonationStats struct {
	Count       int     `json:"count"`
	TotalAmount float64 `json:"totalAmount"`
	Donors      int     `json:"donors"`
}

// RegistrationRequest описывает данные для создания или обновления личности.
type RegistrationRequest struct {
	Username    string `json:"username" validate:"required,username"`
	DisplayName string `json:"name" validate:"required,max=128"`
	Email       string `json:"email" validate:"required,email"`
	Role        string `json:"role" validate:"omitempty,max=64"`
	DisplayMode string `json:"displayMode" validate:"omitempty,oneof=handle real anonymous username"`
	ShowAmount  *bool  `json:"showAmount"`
	Marker      string `json:"marker" validate:"omitempty,hexadecimal,len=64"`
}

// CheckoutRequest описывает запрос на создание платёжной сессии.
type CheckoutRequest struct {
	Name   string  `json:"name" validate:"max=128"`
	Email  string  `json:"email" validate:"required,email"`
	Amount float64 `json:"amount" validate:"gt=0"`
}

// Session описывает результат входа с известного устройства.
type Session struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Marker   string `json:"marker"`
	Role     string `json:"role"`
}
