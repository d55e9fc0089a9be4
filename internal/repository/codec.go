package repository

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mmeshcher/donor-registry/internal/model"
)

func encodeRecords(records []model.Record) ([]byte, error) {
	if records == nil {
		records = []model.Record{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode registry: %w", err)
	}
	return raw, nil
}

// decodeRecords разбирает сохранённый массив. Повреждённые данные считаются
// недоступностью хранилища, а не пустым реестром.
func decodeRecords(raw []byte) ([]model.Record, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var records []model.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: decode registry: %v", ErrStorageUnavailable, err)
	}
	return records, nil
}
