package order

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/klinik/klinik/internal/domain/catalog"
	"github.com/klinik/klinik/internal/domain/inventory"
	"github.com/klinik/klinik/internal/platform/apperr"
	"github.com/klinik/klinik/internal/platform/auth"
	"github.com/klinik/klinik/internal/platform/db"
	"github.com/klinik/klinik/internal/platform/events"
	"github.com/klinik/klinik/internal/platform/telemetry"
)

const tracerName = "github.com/klinik/klinik/internal/domain/order"

type MedicationFinder interface {
	FindMedication(ctx context.Context, id uuid.UUID) (*catalog.Medication, error)
}

// StockLedger moves stock on behalf of orders. Reserve must refuse to take a
// record below zero.
type StockLedger interface {
	Reserve(ctx context.Context, medicationID uuid.UUID, quantity int) (*inventory.Record, error)
	Release(ctx context.Context, medicationID uuid.UUID, quantity int) error
}

// Service keeps orders and inventory consistent. Every mutation runs in one
// transaction holding a lock on the order row, so stock moved for an order
// always matches the items that order holds.
type Service struct {
	repo      Repository
	meds      MedicationFinder
	stock     StockLedger
	tx        db.Transactor
	publisher events.Publisher
	tracer    trace.Tracer
	ops       metric.Int64Counter
	logger    zerolog.Logger
}

func NewService(repo Repository, meds MedicationFinder, stock StockLedger, tx db.Transactor, publisher events.Publisher, logger zerolog.Logger) *Service {
	ops, err := telemetry.Meter(tracerName).Int64Counter("klinik.order.operations",
		metric.WithDescription("Order engine operations by outcome"))
	if err != nil {
		logger.Warn().Err(err).Msg("order operations counter unavailable")
		ops = noop.Int64Counter{}
	}
	return &Service{
		repo:      repo,
		meds:      meds,
		stock:     stock,
		tx:        tx,
		publisher: publisher,
		tracer:    telemetry.Tracer(tracerName),
		ops:       ops,
		logger:    logger,
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, apperr.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

// run executes fn in a transaction under a span. Events collected during fn
// are published only once the transaction has committed.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := s.tracer.Start(ctx, "order."+op, trace.WithAttributes(attrs...))
	defer span.End()

	ctx, batch := events.WithBatch(ctx)
	err := s.tx.WithinTx(ctx, fn)
	s.ops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome(err)),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	evts := batch.Events()
	if len(evts) == 0 {
		return nil
	}
	if err := s.publisher.Publish(ctx, evts...); err != nil {
		span.AddEvent("publish failed")
		s.logger.Warn().Err(err).Str("op", op).Int("events", len(evts)).Msg("failed to publish order events")
	}
	return nil
}

func orderEvent(ctx context.Context, eventType string, o *Order) {
	b := events.BatchFromContext(ctx)
	if b == nil {
		return
	}
	e := events.New(eventType)
	orderID, patientID, total := o.ID, o.PatientID, o.Total
	e.OrderID = &orderID
	e.PatientID = &patientID
	e.Status = string(o.Status)
	e.Total = &total
	b.Add(e)
}

func itemEvent(ctx context.Context, eventType string, o *Order, it *Item) {
	b := events.BatchFromContext(ctx)
	if b == nil {
		return
	}
	e := events.New(eventType)
	orderID, patientID, medID, total, qty := o.ID, o.PatientID, it.MedicationID, o.Total, it.Quantity
	e.OrderID = &orderID
	e.PatientID = &patientID
	e.MedicationID = &medID
	e.Status = string(o.Status)
	e.Total = &total
	e.Quantity = &qty
	b.Add(e)
}

func validateItem(req ItemRequest) error {
	if req.MedicationID == uuid.Nil {
		return apperr.Validation("medication_id is required")
	}
	if req.Quantity < 1 {
		return apperr.Validation("quantity must be at least 1")
	}
	if req.UnitPrice != nil {
		return inventory.CheckPrice("unit_price", *req.UnitPrice)
	}
	return nil
}

// byMedication returns the positions of ids sorted by medication id. Stock is
// always reserved and released in this order so two transactions touching
// the same inventory rows lock them in the same sequence.
func byMedication(ids []uuid.UUID) []int {
	idx := make([]int, len(ids))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return bytes.Compare(ids[idx[a]][:], ids[idx[b]][:]) < 0
	})
	return idx
}

// reserveAll looks up every medication and takes its stock. When several
// items are short, the error names the first one in request order.
func (s *Service) reserveAll(ctx context.Context, reqs []ItemRequest) ([]*catalog.Medication, []*inventory.Record, error) {
	meds := make([]*catalog.Medication, len(reqs))
	ids := make([]uuid.UUID, len(reqs))
	for i, req := range reqs {
		med, err := s.meds.FindMedication(ctx, req.MedicationID)
		if err != nil {
			return nil, nil, err
		}
		meds[i], ids[i] = med, req.MedicationID
	}

	recs := make([]*inventory.Record, len(reqs))
	var short error
	shortAt := len(reqs)
	for _, i := range byMedication(ids) {
		rec, err := s.stock.Reserve(ctx, reqs[i].MedicationID, reqs[i].Quantity)
		if errors.Is(err, apperr.ErrInsufficientStock) {
			if i < shortAt {
				short, shortAt = err, i
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		recs[i] = rec
	}
	if short != nil {
		return nil, nil, short
	}
	return meds, recs, nil
}

// insertItem stores an item whose stock is already reserved. Without an
// explicit price the item takes the inventory price.
func (s *Service) insertItem(ctx context.Context, orderID uuid.UUID, req ItemRequest, med *catalog.Medication, rec *inventory.Record) (*Item, error) {
	price := rec.UnitPrice.Round(inventory.PriceScale)
	if req.UnitPrice != nil {
		price = *req.UnitPrice
	}
	it := &Item{
		OrderID:        orderID,
		MedicationID:   req.MedicationID,
		MedicationName: med.Name,
		Quantity:       req.Quantity,
		UnitPrice:      price,
		Subtotal:       subtotal(req.Quantity, price),
	}
	if err := s.repo.AddItem(ctx, it); err != nil {
		return nil, err
	}
	return it, nil
}

// releaseItems returns the stock held by every item of an order.
func (s *Service) releaseItems(ctx context.Context, orderID uuid.UUID) error {
	items, err := s.repo.GetItems(ctx, orderID)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, len(items))
	for i, it := range items {
		ids[i] = it.MedicationID
	}
	for _, i := range byMedication(ids) {
		if err := s.stock.Release(ctx, items[i].MedicationID, items[i].Quantity); err != nil {
			return err
		}
	}
	return nil
}

// lockPendingItemOrder loads an item and locks its order, which must still be
// pending. The item is read again under the lock.
func (s *Service) lockPendingItemOrder(ctx context.Context, itemID uuid.UUID) (*Order, *Item, error) {
	it, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	o, err := s.repo.GetForUpdate(ctx, it.OrderID)
	if err != nil {
		return nil, nil, err
	}
	if o.Status != StatusPending {
		return nil, nil, apperr.InvalidState("can only modify items of pending orders, order is %s", o.Status)
	}
	it, err = s.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	return o, it, nil
}

// CreateOrderWithItems creates a pending order and reserves stock for each
// item. Items keep request order; any failure leaves neither the order nor
// any stock movement behind.
func (s *Service) CreateOrderWithItems(ctx context.Context, actor auth.Actor, patientID uuid.UUID, items []ItemRequest) (*Order, error) {
	if patientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}
	if !actor.CanActForPatient(patientID) {
		return nil, apperr.Unauthorized("you can only create orders for yourself")
	}
	for _, req := range items {
		if err := validateItem(req); err != nil {
			return nil, err
		}
	}

	var out *Order
	err := s.run(ctx, "CreateOrderWithItems", func(ctx context.Context) error {
		o := &Order{PatientID: patientID, Status: StatusPending, Total: decimal.Zero}
		if err := s.repo.Create(ctx, o); err != nil {
			return err
		}
		meds, recs, err := s.reserveAll(ctx, items)
		if err != nil {
			return err
		}
		for i, req := range items {
			it, err := s.insertItem(ctx, o.ID, req, meds[i], recs[i])
			if err != nil {
				return err
			}
			o.Items = append(o.Items, it)
		}
		total, err := s.repo.RecomputeTotal(ctx, o.ID)
		if err != nil {
			return err
		}
		o.Total = total
		orderEvent(ctx, events.OrderCreated, o)
		out = o
		return nil
	}, attribute.String("patient.id", patientID.String()), attribute.Int("order.items", len(items)))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddItem reserves stock for a new item on a pending order.
func (s *Service) AddItem(ctx context.Context, orderID uuid.UUID, req ItemRequest) (*Item, error) {
	if err := validateItem(req); err != nil {
		return nil, err
	}

	var out *Item
	err := s.run(ctx, "AddItem", func(ctx context.Context) error {
		o, err := s.repo.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != StatusPending {
			return apperr.InvalidState("can only add items to pending orders, order is %s", o.Status)
		}
		meds, recs, err := s.reserveAll(ctx, []ItemRequest{req})
		if err != nil {
			return err
		}
		it, err := s.insertItem(ctx, o.ID, req, meds[0], recs[0])
		if err != nil {
			return err
		}
		if o.Total, err = s.repo.RecomputeTotal(ctx, o.ID); err != nil {
			return err
		}
		itemEvent(ctx, events.OrderItemAdded, o, it)
		out = it
		return nil
	}, attribute.String("order.id", orderID.String()))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateItemQuantity moves only the difference between the old and the new
// quantity. A nil unit price keeps the current one.
func (s *Service) UpdateItemQuantity(ctx context.Context, itemID uuid.UUID, quantity int, unitPrice *decimal.Decimal) (*Item, error) {
	if quantity < 1 {
		return nil, apperr.Validation("quantity must be at least 1")
	}
	if unitPrice != nil {
		if err := inventory.CheckPrice("unit_price", *unitPrice); err != nil {
			return nil, err
		}
	}

	var out *Item
	err := s.run(ctx, "UpdateItemQuantity", func(ctx context.Context) error {
		o, it, err := s.lockPendingItemOrder(ctx, itemID)
		if err != nil {
			return err
		}

		switch delta := quantity - it.Quantity; {
		case delta > 0:
			if _, err := s.stock.Reserve(ctx, it.MedicationID, delta); err != nil {
				return err
			}
		case delta < 0:
			if err := s.stock.Release(ctx, it.MedicationID, -delta); err != nil {
				return err
			}
		}

		it.Quantity = quantity
		if unitPrice != nil {
			it.UnitPrice = *unitPrice
		}
		it.Subtotal = subtotal(it.Quantity, it.UnitPrice)
		if err := s.repo.UpdateItem(ctx, it); err != nil {
			return err
		}
		if o.Total, err = s.repo.RecomputeTotal(ctx, o.ID); err != nil {
			return err
		}
		itemEvent(ctx, events.OrderItemUpdated, o, it)
		out = it
		return nil
	}, attribute.String("order_item.id", itemID.String()), attribute.Int("order_item.quantity", quantity))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveItem returns the item's full quantity to stock and deletes it.
func (s *Service) RemoveItem(ctx context.Context, itemID uuid.UUID) error {
	return s.run(ctx, "RemoveItem", func(ctx context.Context) error {
		o, it, err := s.lockPendingItemOrder(ctx, itemID)
		if err != nil {
			return err
		}
		if err := s.stock.Release(ctx, it.MedicationID, it.Quantity); err != nil {
			return err
		}
		if err := s.repo.DeleteItem(ctx, it.ID); err != nil {
			return err
		}
		if o.Total, err = s.repo.RecomputeTotal(ctx, o.ID); err != nil {
			return err
		}
		itemEvent(ctx, events.OrderItemRemoved, o, it)
		return nil
	}, attribute.String("order_item.id", itemID.String()))
}

// UpdateOrderStatus moves an order through its lifecycle. Canceling releases
// the reserved stock once; writing the current status again changes nothing.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status string) (*Order, error) {
	next, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}

	var out *Order
	err = s.run(ctx, "UpdateOrderStatus", func(ctx context.Context) error {
		o, err := s.repo.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == next {
			out = o
			out.Items, err = s.repo.GetItems(ctx, o.ID)
			return err
		}
		if !CanTransition(o.Status, next) {
			return apperr.InvalidState("cannot change order status from %s to %s", o.Status, next)
		}

		if next == StatusCanceled {
			if err := s.releaseItems(ctx, o.ID); err != nil {
				return err
			}
		}
		updated, err := s.repo.SetStatus(ctx, o.ID, next)
		if err != nil {
			return err
		}
		if updated.Items, err = s.repo.GetItems(ctx, updated.ID); err != nil {
			return err
		}
		orderEvent(ctx, events.OrderStatusChanged, updated)
		out = updated
		return nil
	}, attribute.String("order.id", orderID.String()), attribute.String("order.status", string(next)))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteOrder removes an order and its items. Stock still held by the order
// goes back to inventory; completed orders consumed theirs and canceled ones
// already returned it.
func (s *Service) DeleteOrder(ctx context.Context, orderID uuid.UUID) error {
	return s.run(ctx, "DeleteOrder", func(ctx context.Context) error {
		o, err := s.repo.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status.HoldsReservation() {
			if err := s.releaseItems(ctx, o.ID); err != nil {
				return err
			}
		}
		if err := s.repo.Delete(ctx, o.ID); err != nil {
			return err
		}
		orderEvent(ctx, events.OrderDeleted, o)
		return nil
	}, attribute.String("order.id", orderID.String()))
}

// GetOrder returns an order with its items. Patients only see their own.
// The header is read under a share lock in the same transaction as the
// items, so the total always matches them.
func (s *Service) GetOrder(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Order, error) {
	var out *Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.repo.GetForShare(ctx, id)
		if err != nil {
			return err
		}
		if !actor.CanActForPatient(o.PatientID) {
			return apperr.Unauthorized("you can only view your own orders")
		}
		if o.Items, err = s.repo.GetItems(ctx, o.ID); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ListOrders(ctx context.Context, status string, limit, offset int) ([]*Order, int, error) {
	var filter ListFilter
	if status != "" {
		st, err := ParseStatus(status)
		if err != nil {
			return nil, 0, err
		}
		filter.Status = st
	}
	return s.repo.List(ctx, filter, limit, offset)
}

func (s *Service) ListPatientOrders(ctx context.Context, actor auth.Actor, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	if !actor.CanActForPatient(patientID) {
		return nil, 0, apperr.Unauthorized("you can only view your own orders")
	}
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}
