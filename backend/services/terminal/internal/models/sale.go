package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewIdempotencyKey returns a time-ordered (UUIDv7) key for a sale.
func NewIdempotencyKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// DefaultCurrencyPrecision is the number of fractional digits kept in sale amounts.
const DefaultCurrencyPrecision int32 = 2

// SaleDraft is the in-progress sale. Amount is derived from liters and price and
// cannot be set on its own; every change goes through a constructor that recomputes it.
type SaleDraft struct {
	fuelType      string
	liters        float64
	pricePerLiter float64
	amount        float64
	precision     int32
}

// NewSaleDraft builds a draft and derives its amount.
func NewSaleDraft(fuelType string, liters, pricePerLiter float64, precision int32) SaleDraft {
	d := SaleDraft{
		fuelType:      fuelType,
		liters:        liters,
		pricePerLiter: pricePerLiter,
		precision:     precision,
	}
	d.amount = ComputeAmount(liters, pricePerLiter, precision)
	return d
}

// ComputeAmount multiplies liters by price in decimal arithmetic and rounds half away from zero.
func ComputeAmount(liters, pricePerLiter float64, precision int32) float64 {
	if precision < 0 {
		precision = 0
	}
	amount := decimal.NewFromFloat(liters).Mul(decimal.NewFromFloat(pricePerLiter)).Round(precision)
	return amount.InexactFloat64()
}

func (d SaleDraft) FuelType() string       { return d.fuelType }
func (d SaleDraft) Liters() float64        { return d.liters }
func (d SaleDraft) PricePerLiter() float64 { return d.pricePerLiter }
func (d SaleDraft) Amount() float64        { return d.amount }
func (d SaleDraft) Precision() int32       { return d.precision }

// WithFuelType returns a copy for another fuel at the given price.
func (d SaleDraft) WithFuelType(fuelType string, pricePerLiter float64) SaleDraft {
	return NewSaleDraft(fuelType, d.liters, pricePerLiter, d.precision)
}

// WithLiters returns a copy with a new volume.
func (d SaleDraft) WithLiters(liters float64) SaleDraft {
	return NewSaleDraft(d.fuelType, liters, d.pricePerLiter, d.precision)
}

// WithPrice returns a copy priced at pricePerLiter.
func (d SaleDraft) WithPrice(pricePerLiter float64) SaleDraft {
	return NewSaleDraft(d.fuelType, d.liters, pricePerLiter, d.precision)
}

type saleDraftJSON struct {
	FuelType      string  `json:"fuelType"`
	Liters        float64 `json:"liters"`
	PricePerLiter float64 `json:"pricePerLiter"`
	Amount        float64 `json:"amount"`
	Precision     int32   `json:"precision"`
}

// MarshalJSON implements json.Marshaler.
func (d SaleDraft) MarshalJSON() ([]byte, error) {
	return json.Marshal(saleDraftJSON{
		FuelType:      d.fuelType,
		Liters:        d.liters,
		PricePerLiter: d.pricePerLiter,
		Amount:        d.amount,
		Precision:     d.precision,
	})
}

// UnmarshalJSON recomputes the amount instead of trusting the stored value.
func (d *SaleDraft) UnmarshalJSON(data []byte) error {
	var raw saleDraftJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = NewSaleDraft(raw.FuelType, raw.Liters, raw.PricePerLiter, raw.Precision)
	return nil
}

// OfflineTransaction is a sale waiting in the local queue.
type OfflineTransaction struct {
	IdempotencyKey string    `json:"idempotencyKey"`
	CapturedAt     time.Time `json:"capturedAt"`
	Draft          SaleDraft `json:"draft"`
}

// SaleRequest is the body sent to the sale submission service.
type SaleRequest struct {
	FuelType       string    `json:"fuelType"`
	Liters         float64   `json:"liters"`
	PricePerLiter  float64   `json:"pricePerLiter"`
	Amount         float64   `json:"amount"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CapturedAt     time.Time `json:"capturedAt"`
}

// NewSaleRequest builds the submission body for a draft.
func NewSaleRequest(draft SaleDraft, key string, capturedAt time.Time) SaleRequest {
	return SaleRequest{
		FuelType:       draft.FuelType(),
		Liters:         draft.Liters(),
		PricePerLiter:  draft.PricePerLiter(),
		Amount:         draft.Amount(),
		IdempotencyKey: key,
		CapturedAt:     capturedAt.UTC(),
	}
}

// Request returns the submission body for a queued transaction.
func (t OfflineTransaction) Request() SaleRequest {
	return NewSaleRequest(t.Draft, t.IdempotencyKey, t.CapturedAt)
}

// SaleReceipt is the server confirmation of a sale.
type SaleReceipt struct {
	TransactionID string    `json:"transactionId"`
	ConfirmedAt   time.Time `json:"confirmedAt"`
}
