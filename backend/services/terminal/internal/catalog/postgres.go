package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of *pgxpool.Pool the repository needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository reads prices and tank levels from the station database.
//
//	fuel_prices(fuel_type text, price_per_liter numeric, is_active bool, updated_at timestamptz)
//	tanks(id, fuel_type text, current_volume_liters numeric)
type PostgresRepository struct {
	db Querier
}

// NewPostgresRepository returns repository.
func NewPostgresRepository(db Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Price returns the most recently updated active price for key.
func (r *PostgresRepository) Price(ctx context.Context, key string) (float64, error) {
	const query = `
		SELECT price_per_liter::float8
		FROM fuel_prices
		WHERE lower(fuel_type) = $1 AND is_active = true
		ORDER BY updated_at DESC
		LIMIT 1
	`
	var price float64
	if err := r.db.QueryRow(ctx, query, key).Scan(&price); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUnknownFuel
		}
		return 0, err
	}
	return price, nil
}

// Stock sums the tanks holding key.
func (r *PostgresRepository) Stock(ctx context.Context, key string) (float64, error) {
	const query = `
		SELECT COALESCE(SUM(current_volume_liters), 0)::float8, COUNT(*)
		FROM tanks
		WHERE lower(fuel_type) = $1
	`
	var (
		liters float64
		tanks  int64
	)
	if err := r.db.QueryRow(ctx, query, key).Scan(&liters, &tanks); err != nil {
		return 0, err
	}
	if tanks == 0 {
		return 0, ErrStockUnknown
	}
	return liters, nil
}
