package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RecordKind различает варианты записей реестра.
type RecordKind string

const (
	KindIdentity RecordKind = "identity"
	KindDonation RecordKind = "donation"
)

// ErrUnknownRecordKind возвращается при разборе записи с неизвестным дискриминатором.
var ErrUnknownRecordKind = errors.New("unknown record kind")

// Record описывает запись реестра. Заполнен ровно один из указателей, соответствующий Kind.
type Record struct {
	Kind     RecordKind
	Identity *Identity
	Donation *Donation
}

// IdentityRecord оборачивает личность в запись реестра.
func IdentityRecord(i *Identity) Record {
	return Record{Kind: KindIdentity, Identity: i}
}

// DonationRecord оборачивает пожертвование в запись реестра.
func DonationRecord(d *Donation) Record {
	return Record{Kind: KindDonation, Donation: d}
}

// MarshalJSON сериализует запись в плоский объект с полем "type".
func (r Record) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindIdentity:
		if r.Identity == nil {
			return nil, fmt.Errorf("identity record without payload")
		}
		return json.Marshal(struct {
			Type RecordKind `json:"type"`
			*Identity
		}{r.Kind, r.Identity})
	case KindDonation:
		if r.Donation == nil {
			return nil, fmt.Errorf("donation record without payload")
		}
		return json.Marshal(struct {
			Type RecordKind `json:"type"`
			*Donation
		}{r.Kind, r.Donation})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecordKind, r.Kind)
	}
}

// UnmarshalJSON разбирает запись по полю "type" (или "kind").
func (r *Record) UnmarshalJSON(data []byte) error {
	var head struct {
		Type RecordKind `json:"type"`
		Kind RecordKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	kind := head.Type
	if kind == "" {
		kind = head.Kind
	}

	switch RecordKind(strings.ToLower(string(kind))) {
	case KindIdentity:
		var i Identity
		if err := json.Unmarshal(data, &i); err != nil {
			return fmt.Errorf("decode identity: %w", err)
		}
		*r = IdentityRecord(&i)
	case KindDonation:
		var d Donation
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decode donation: %w", err)
		}
		*r = DonationRecord(&d)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRecordKind, kind)
	}
	return nil
}

// Registry содержит снимок всего реестра. Version используется хранилищем для сравнения при записи.
type Registry struct {
	Version int64
	Records []Record
}

// Identities возвращает все личности в порядке вставки.
func (reg *Registry) Identities() []*Identity {
	var res []*Identity
	for _, rec := range reg.Records {
		if rec.Kind == KindIdentity {
			res = append(res, rec.Identity)
		}
	}
	return res
}

// Donations возвращает все пожертвования в порядке вставки.
func (reg *Registry) Donations() []*Donation {
	var res []*Donation
	for _, rec := range reg.Records {
		if rec.Kind == KindDonation {
			res = append(res, rec.Donation)
		}
	}
	return res
}

// Append добавляет запись в конец реестра.
func (reg *Registry) Append(rec Record) {
	reg.Records = append(reg.Records, rec)
}
