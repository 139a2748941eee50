package service

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/store"
)

func (s *Service) SearchProducts(ctx context.Context, query string, limit int) []domain.Product {
	return s.products.Search(ctx, query, s.activeStore(ctx), limit)
}

// LookupBarcode resolves a scanned code from the cache, then from the remote
// when online. Remote hits are cached for the next offline scan.
func (s *Service) LookupBarcode(ctx context.Context, code string, online bool) (*domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrNotFound
	}
	storeID := s.activeStore(ctx)
	if cached := s.products.GetByBarcode(ctx, code, storeID); cached != nil {
		return cached, nil
	}
	if !online {
		return nil, store.ErrNotFound
	}

	product, err := s.remote.GetProductByBarcode(ctx, code, storeID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("component", "catalog").Str("barcode", code).Msg("remote barcode lookup failed")
		}
		return nil, err
	}
	if err := s.products.Upsert(ctx, storeID, []domain.Product{*product}); err != nil {
		log.Warn().Err(err).Str("component", "catalog").Msg("product cache not updated")
	}
	return product, nil
}

// ProductByID reads the cached product for the active store.
func (s *Service) ProductByID(ctx context.Context, id int64) (*domain.Product, error) {
	if p := s.products.GetByID(ctx, id, s.activeStore(ctx)); p != nil {
		return p, nil
	}
	return nil, store.ErrNotFound
}
