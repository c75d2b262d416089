package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/klinik/klinik/internal/domain/catalog"
	"github.com/klinik/klinik/internal/platform/apperr"
	"github.com/klinik/klinik/internal/platform/db"
	"github.com/klinik/klinik/internal/platform/events"
)

const (
	DefaultLowStockThreshold = 10
	DefaultExpiryWindowDays  = 30
)

type MedicationFinder interface {
	FindMedication(ctx context.Context, id uuid.UUID) (*catalog.Medication, error)
}

// Service is the inventory ledger. Reserve and Release are the only paths the
// order engine uses to move stock.
type Service struct {
	repo      Repository
	meds      MedicationFinder
	tx        db.Transactor
	publisher events.Publisher
	threshold int
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, meds MedicationFinder, tx db.Transactor, publisher events.Publisher, lowStockThreshold int, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		meds:      meds,
		tx:        tx,
		publisher: publisher,
		threshold: lowStockThreshold,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) CreateRecord(ctx context.Context, r *Record) error {
	if r.MedicationID == uuid.Nil {
		return apperr.Validation("medication_id is required")
	}
	if r.Quantity < 0 {
		return apperr.Validation("quantity must not be negative")
	}
	if err := CheckPrice("unit_price", r.UnitPrice); err != nil {
		return err
	}
	med, err := s.meds.FindMedication(ctx, r.MedicationID)
	if err != nil {
		return err
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return err
	}
	r.MedicationName = med.Name
	return nil
}

func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByMedication(ctx context.Context, medicationID uuid.UUID) (*Record, error) {
	return s.repo.GetByMedication(ctx, medicationID)
}

func (s *Service) ListRecords(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// UpdateRecord changes expiry, price and supplier. Quantity moves only
// through AdjustStock, Reserve and Release.
func (s *Service) UpdateRecord(ctx context.Context, id uuid.UUID, patch RecordPatch) (*Record, error) {
	if patch.UnitPrice != nil {
		if err := CheckPrice("unit_price", *patch.UnitPrice); err != nil {
			return nil, err
		}
	}
	var out *Record
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		patch.apply(rec)
		if err := s.repo.Update(ctx, rec); err != nil {
			return err
		}
		out, err = s.repo.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Quantity > 0 {
		return apperr.Conflict("cannot delete inventory record holding %d units", rec.Quantity)
	}
	return s.repo.Delete(ctx, id)
}

func (s *Service) LowStock(ctx context.Context, threshold int) ([]*Record, error) {
	if threshold <= 0 {
		threshold = s.threshold
	}
	return s.repo.LowStock(ctx, threshold)
}

func (s *Service) ExpiringSoon(ctx context.Context, days int) ([]*Record, error) {
	if days <= 0 {
		days = DefaultExpiryWindowDays
	}
	return s.repo.ExpiringBefore(ctx, s.now().AddDate(0, 0, days))
}

// OnHand returns the stock for a medication, 0 when it has no record.
func (s *Service) OnHand(ctx context.Context, medicationID uuid.UUID) (int, error) {
	rec, err := s.repo.GetByMedication(ctx, medicationID)
	if errors.Is(err, apperr.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Quantity, nil
}

// AdjustStock applies a signed manual correction to a record.
func (s *Service) AdjustStock(ctx context.Context, id uuid.UUID, delta int) (*Record, error) {
	rec, err := s.repo.AdjustQuantity(ctx, id, delta)
	if err != nil {
		return nil, err
	}
	s.checkLowStock(ctx, rec, delta)
	return rec, nil
}

// Reserve takes quantity units of a medication out of stock. A missing
// record counts as zero stock.
func (s *Service) Reserve(ctx context.Context, medicationID uuid.UUID, quantity int) (*Record, error) {
	if quantity <= 0 {
		return nil, apperr.Validation("quantity must be at least 1")
	}
	rec, err := s.repo.GetByMedication(ctx, medicationID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, &apperr.InsufficientStockError{MedicationID: medicationID, Available: -1, Requested: quantity}
	}
	if err != nil {
		return nil, err
	}
	rec, err = s.repo.AdjustQuantity(ctx, rec.ID, -quantity)
	if err != nil {
		return nil, err
	}
	s.checkLowStock(ctx, rec, -quantity)
	return rec, nil
}

// Release returns quantity units to stock. Releasing against a medication
// without an inventory record is logged and skipped.
func (s *Service) Release(ctx context.Context, medicationID uuid.UUID, quantity int) error {
	if quantity <= 0 {
		return nil
	}
	rec, err := s.repo.GetByMedication(ctx, medicationID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn().
			Str("medication_id", medicationID.String()).
			Int("quantity", quantity).
			Msg("no inventory record to release stock into, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.repo.AdjustQuantity(ctx, rec.ID, quantity)
	return err
}

// Restock adds a delivery to a medication's stock, creating its record if
// this is the first one.
func (s *Service) Restock(ctx context.Context, medicationID uuid.UUID, in RestockInput) (*Record, bool, error) {
	if in.Quantity <= 0 {
		return nil, false, apperr.Validation("quantity must be at least 1")
	}
	if in.UnitPrice != nil {
		if err := CheckPrice("unit_price", *in.UnitPrice); err != nil {
			return nil, false, err
		}
	}

	var out *Record
	created := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.meds.FindMedication(ctx, medicationID); err != nil {
			return err
		}
		existing, err := s.repo.GetByMedication(ctx, medicationID)
		if errors.Is(err, apperr.ErrNotFound) {
			rec := &Record{
				MedicationID: medicationID,
				Quantity:     in.Quantity,
				ExpiryDate:   in.ExpiryDate,
				Supplier:     in.Supplier,
			}
			if in.UnitPrice != nil {
				rec.UnitPrice = *in.UnitPrice
			}
			if err := s.repo.Create(ctx, rec); err != nil {
				return err
			}
			created = true
			out, err = s.repo.GetByID(ctx, rec.ID)
			return err
		}
		if err != nil {
			return err
		}

		RecordPatch{ExpiryDate: in.ExpiryDate, UnitPrice: in.UnitPrice, Supplier: in.Supplier}.apply(existing)
		if err := s.repo.Update(ctx, existing); err != nil {
			return err
		}
		out, err = s.repo.AdjustQuantity(ctx, existing.ID, in.Quantity)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// checkLowStock raises a low-stock event when a decrease takes the record
// from above the threshold to at or below it. Inside an order transaction the
// event joins the request's batch and is published after commit.
func (s *Service) checkLowStock(ctx context.Context, rec *Record, delta int) {
	if delta >= 0 || s.threshold <= 0 {
		return
	}
	before := rec.Quantity - delta
	if before <= s.threshold || rec.Quantity > s.threshold {
		return
	}

	medID := rec.MedicationID
	qty := rec.Quantity
	e := events.New(events.StockLow)
	e.MedicationID = &medID
	e.Quantity = &qty

	if b := events.BatchFromContext(ctx); b != nil {
		b.Add(e)
		return
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("medication_id", medID.String()).Msg("failed to publish low stock event")
	}
}
