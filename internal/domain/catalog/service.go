package catalog

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/klinik/klinik/internal/platform/apperr"
)

// StockChecker reports the quantity on hand for a medication, 0 when it has no
// inventory record.
type StockChecker interface {
	OnHand(ctx context.Context, medicationID uuid.UUID) (int, error)
}

type Service struct {
	repo  Repository
	stock StockChecker
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// SetStockChecker enables the on-hand check performed before deletes.
func (s *Service) SetStockChecker(sc StockChecker) {
	s.stock = sc
}

func (s *Service) CreateMedication(ctx context.Context, m *Medication) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return apperr.Validation("name is required")
	}
	return s.repo.Create(ctx, m)
}

// FindMedication returns the medication or an error matching apperr.ErrNotFound.
func (s *Service) FindMedication(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateMedication(ctx context.Context, m *Medication) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return apperr.Validation("name is required")
	}
	return s.repo.Update(ctx, m)
}

func (s *Service) DeleteMedication(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return err
	}
	if s.stock != nil {
		qty, err := s.stock.OnHand(ctx, id)
		if err != nil {
			return err
		}
		if qty > 0 {
			return apperr.Conflict("cannot delete medication with %d units in inventory", qty)
		}
	}
	return s.repo.Delete(ctx, id)
}

func (s *Service) SearchMedications(ctx context.Context, params SearchParams, limit, offset int) ([]*Medication, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

func (s *Service) Categories(ctx context.Context) ([]string, error) {
	return s.repo.Categories(ctx)
}
