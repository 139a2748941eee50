package service

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/store"
	"github.com/supabase06-cpu/posv1/internal/xid"
)

// FindCustomerByPhone checks the local cache first and, when online, the
// remote. Remote hits are written back to the cache. A miss returns nil.
func (s *Service) FindCustomerByPhone(ctx context.Context, phone string, storeID string, online bool) (*domain.Customer, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, nil
	}
	storeID = defaultString(storeID, s.storeID)

	if cached := s.customers.GetByPhone(ctx, phone, storeID); cached != nil {
		return cached, nil
	}
	if !online {
		return nil, nil
	}

	found, err := s.remote.FindCustomerByPhone(ctx, phone, storeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.cacheCustomer(ctx, storeID, *found)
	return found, nil
}

// GetOrCreateCustomer returns the customer with the given phone, refreshing
// name and email when they changed, or creates one. Offline creation yields a
// temporary customer with a negative id that lives only in the cache until
// the intake record is synced.
func (s *Service) GetOrCreateCustomer(ctx context.Context, info domain.CustomerInfo, storeID string, online bool) (*domain.Customer, error) {
	storeID = defaultString(storeID, s.storeID)
	name := strings.TrimSpace(info.Name)
	phone := strings.TrimSpace(info.Phone)
	email := strings.TrimSpace(info.Email)

	if phone != "" {
		existing, err := s.FindCustomerByPhone(ctx, phone, storeID, online)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.refreshCustomer(ctx, *existing, name, email, online)
		}
	}

	if !online {
		now := s.now()
		temp := domain.Customer{
			ID:           xid.TempCustomerID(now),
			CustomerName: name,
			Phone:        phone,
			Email:        email,
			StoreID:      storeID,
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.cacheCustomer(ctx, storeID, temp)
		log.Info().Str("component", "customers").Int64("temp_id", temp.ID).Msg("created temporary customer offline")
		return &temp, nil
	}

	created, err := s.remote.CreateCustomer(ctx, domain.Customer{
		CustomerName: name,
		Phone:        phone,
		Email:        email,
		StoreID:      storeID,
		IsActive:     true,
	})
	if err != nil {
		return nil, err
	}
	s.cacheCustomer(ctx, storeID, *created)
	return created, nil
}

// refreshCustomer pushes a changed name or email to the remote. Updates are
// skipped offline and for temporary customers.
func (s *Service) refreshCustomer(ctx context.Context, existing domain.Customer, name string, email string, online bool) (*domain.Customer, error) {
	changed := (name != "" && name != existing.CustomerName) || (email != "" && email != existing.Email)
	if !changed || !online || existing.Temporary() {
		return &existing, nil
	}

	update := existing
	if name != "" {
		update.CustomerName = name
	}
	if email != "" {
		update.Email = email
	}
	updated, err := s.remote.UpdateCustomer(ctx, update)
	if err != nil {
		log.Warn().Err(err).Str("component", "customers").Int64("customer_id", existing.ID).Msg("customer update failed")
		return &existing, nil
	}
	s.cacheCustomer(ctx, existing.StoreID, *updated)
	return updated, nil
}

func (s *Service) SearchCustomers(ctx context.Context, query string, limit int) []domain.Customer {
	return s.customers.Search(ctx, query, s.activeStore(ctx), limit)
}

func (s *Service) cacheCustomer(ctx context.Context, storeID string, c domain.Customer) {
	if err := s.customers.Upsert(ctx, storeID, []domain.Customer{c}); err != nil {
		log.Warn().Err(err).Str("component", "customers").Int64("customer_id", c.ID).Msg("customer cache not updated")
	}
}
