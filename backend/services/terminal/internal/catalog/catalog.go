package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
)

var (
	ErrUnknownFuel  = errors.New("catalog: unknown fuel type")
	ErrStockUnknown = errors.New("catalog: stock unknown")
)

// Provider answers price and stock questions for the transaction controller.
type Provider interface {
	CurrentPrice(ctx context.Context, fuelType string) (float64, error)
	AvailableStock(ctx context.Context, fuelType string) (float64, error)
}

// Repository is the authoritative source, normally the station database.
type Repository interface {
	Price(ctx context.Context, fuelType string) (float64, error)
	Stock(ctx context.Context, fuelType string) (float64, error)
}

// Cache keeps last-known values shared between terminals.
type Cache interface {
	GetPrice(ctx context.Context, key string) (float64, error)
	SetPrice(ctx context.Context, key string, price float64) error
	GetStock(ctx context.Context, key string) (float64, error)
	SetStock(ctx context.Context, key string, liters float64) error
}

// Key normalises a fuel type for lookups: "Pertamax " and "PERTAMAX" are the same fuel.
func Key(fuelType string) string {
	return cases.Fold().String(strings.TrimSpace(fuelType))
}

// Service chains repository, shared cache, in-process last-known values and
// configured default prices. repo and cache may be nil.
type Service struct {
	repo     Repository
	cache    Cache
	defaults map[string]float64
	logger   *zap.Logger

	mu        sync.RWMutex
	lastPrice map[string]float64
	lastStock map[string]float64
}

// NewService returns service instance.
func NewService(repo Repository, cache Cache, defaultPrices map[string]float64, logger *zap.Logger) *Service {
	defaults := make(map[string]float64, len(defaultPrices))
	for fuel, price := range defaultPrices {
		if price > 0 {
			defaults[Key(fuel)] = price
		}
	}
	return &Service{
		repo:      repo,
		cache:     cache,
		defaults:  defaults,
		logger:    logger,
		lastPrice: make(map[string]float64),
		lastStock: make(map[string]float64),
	}
}

// CurrentPrice returns the active price per liter for fuelType.
func (s *Service) CurrentPrice(ctx context.Context, fuelType string) (float64, error) {
	key := Key(fuelType)
	if key == "" {
		return 0, ErrUnknownFuel
	}

	var repoErr error
	if s.repo != nil {
		price, err := s.repo.Price(ctx, key)
		if err == nil {
			s.remember(s.lastPrice, key, price)
			if s.cache != nil {
				if err := s.cache.SetPrice(ctx, key, price); err != nil {
					s.logger.Debug("catalog cache write failed", zap.String("fuel", key), zap.Error(err))
				}
			}
			return price, nil
		}
		if errors.Is(err, ErrUnknownFuel) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownFuel, fuelType)
		}
		repoErr = err
		s.logger.Warn("catalog price lookup failed, using fallback", zap.String("fuel", key), zap.Error(err))
	}

	if s.cache != nil {
		if price, err := s.cache.GetPrice(ctx, key); err == nil {
			return price, nil
		}
	}
	if price, ok := s.recall(s.lastPrice, key); ok {
		return price, nil
	}
	if price, ok := s.defaults[key]; ok {
		return price, nil
	}
	if repoErr != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrUnknownFuel, fuelType, repoErr)
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownFuel, fuelType)
}

// AvailableStock returns liters left in the tanks holding fuelType.
func (s *Service) AvailableStock(ctx context.Context, fuelType string) (float64, error) {
	key := Key(fuelType)
	if key == "" {
		return 0, ErrStockUnknown
	}

	if s.repo != nil {
		liters, err := s.repo.Stock(ctx, key)
		if err == nil {
			s.remember(s.lastStock, key, liters)
			if s.cache != nil {
				if err := s.cache.SetStock(ctx, key, liters); err != nil {
					s.logger.Debug("catalog cache write failed", zap.String("fuel", key), zap.Error(err))
				}
			}
			return liters, nil
		}
		s.logger.Debug("catalog stock lookup failed", zap.String("fuel", key), zap.Error(err))
	}

	if s.cache != nil {
		if liters, err := s.cache.GetStock(ctx, key); err == nil {
			return liters, nil
		}
	}
	if liters, ok := s.recall(s.lastStock, key); ok {
		return liters, nil
	}
	return 0, ErrStockUnknown
}

func (s *Service) remember(m map[string]float64, key string, v float64) {
	s.mu.Lock()
	m[key] = v
	s.mu.Unlock()
}

func (s *Service) recall(m map[string]float64, key string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := m[key]
	return v, ok
}
