package store

import (
	"encoding/json"
	"fmt"

	"tokosync/backend/internal/domain"
)

// ProductEntry encodes a product. SyncState is a read-side field and is not
// persisted in the body.
func ProductEntry(p domain.Product, state domain.SyncState, remote bool) (Entry, error) {
	p.SyncState = ""
	body, err := json.Marshal(p)
	if err != nil {
		return Entry{}, fmt.Errorf("encode product %s: %w", p.ID, err)
	}
	return Entry{
		Family:    Products,
		ID:        p.ID,
		Version:   p.Version,
		State:     state,
		Remote:    remote,
		UpdatedAt: p.UpdatedAt,
		Body:      body,
	}, nil
}

func DecodeProduct(e Entry) (domain.Product, error) {
	var p domain.Product
	if err := json.Unmarshal(e.Body, &p); err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s: %w", e.ID, err)
	}
	p.SyncState = e.State
	return p, nil
}

func SaleEntry(s domain.Sale, state domain.SyncState, remote bool) (Entry, error) {
	s.SyncState = ""
	body, err := json.Marshal(s)
	if err != nil {
		return Entry{}, fmt.Errorf("encode sale %s: %w", s.ID, err)
	}
	return Entry{
		Family:    Sales,
		ID:        s.ID,
		Version:   s.Version,
		State:     state,
		Remote:    remote,
		UpdatedAt: s.UpdatedAt,
		Body:      body,
	}, nil
}

func DecodeSale(e Entry) (domain.Sale, error) {
	var s domain.Sale
	if err := json.Unmarshal(e.Body, &s); err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale %s: %w", e.ID, err)
	}
	s.SyncState = e.State
	return s, nil
}
