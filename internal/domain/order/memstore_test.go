package order

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/klinik/klinik/internal/domain/catalog"
	"github.com/klinik/klinik/internal/domain/inventory"
	"github.com/klinik/klinik/internal/platform/apperr"
)

// memStore is a transactional in-memory backend for the engine tests. A
// transaction holds the store lock for its whole duration and restores a
// snapshot when fn fails, which gives the same all-or-nothing behaviour as
// the Postgres repositories under db.TxManager.
type memStore struct {
	mu        sync.Mutex
	meds      map[uuid.UUID]catalog.Medication
	inventory map[uuid.UUID]inventory.Record
	orders    map[uuid.UUID]Order
	items     map[uuid.UUID]Item
	lines     map[uuid.UUID]int
	seq       int

	// adjusted lists the medication of every stock adjustment attempted.
	adjusted []uuid.UUID

	// looseReads counts order and item reads made outside a transaction.
	looseReads int

	// failAddItemAt makes the n-th AddItem call fail (1-based, 0 disables).
	failAddItemAt int
	addItemCalls  int
}

type memTxKey struct{}

func newMemStore() *memStore {
	return &memStore{
		meds:      map[uuid.UUID]catalog.Medication{},
		inventory: map[uuid.UUID]inventory.Record{},
		orders:    map[uuid.UUID]Order{},
		items:     map[uuid.UUID]Item{},
		lines:     map[uuid.UUID]int{},
	}
}

type memSnapshot struct {
	inventory map[uuid.UUID]inventory.Record
	orders    map[uuid.UUID]Order
	items     map[uuid.UUID]Item
	lines     map[uuid.UUID]int
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := memSnapshot{
		inventory: copyMap(s.inventory),
		orders:    copyMap(s.orders),
		items:     copyMap(s.items),
		lines:     copyMap(s.lines),
	}
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.inventory, s.orders, s.items, s.lines = snap.inventory, snap.orders, snap.items, snap.lines
		return err
	}
	return nil
}

// guard locks the store unless ctx is already inside a transaction.
func (s *memStore) guard(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memStore) noteRead(ctx context.Context) {
	if ctx.Value(memTxKey{}) == nil {
		s.looseReads++
	}
}

// ---- seeding and inspection helpers ----

func (s *memStore) addMedication(name string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.meds[id] = catalog.Medication{ID: id, Name: name}
	return id
}

func (s *memStore) stock(name string, qty int, price string) uuid.UUID {
	id := s.addMedication(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	recID := uuid.New()
	s.inventory[recID] = inventory.Record{
		ID: recID, MedicationID: id, MedicationName: name,
		Quantity: qty, UnitPrice: decimal.RequireFromString(price),
	}
	return id
}

func (s *memStore) onHand(medicationID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.inventory {
		if r.MedicationID == medicationID {
			return r.Quantity
		}
	}
	return -1
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) itemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// reserved sums the item quantities of orders that still hold stock.
func (s *memStore) reserved(medicationID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.MedicationID != medicationID {
			continue
		}
		if o, ok := s.orders[it.OrderID]; ok && o.Status.HoldsReservation() {
			n += it.Quantity
		}
	}
	return n
}

// totalsConsistent reports whether every order total equals the sum of its
// item subtotals.
func (s *memStore) totalsConsistent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.orders {
		sum := decimal.Zero
		for _, it := range s.items {
			if it.OrderID == id {
				sum = sum.Add(it.Subtotal)
			}
		}
		if !sum.Equal(o.Total) {
			return false
		}
	}
	return true
}

// ---- catalog view ----

func (s *memStore) FindMedication(ctx context.Context, id uuid.UUID) (*catalog.Medication, error) {
	defer s.guard(ctx)()
	m, ok := s.meds[id]
	if !ok {
		return nil, apperr.NotFound("medication")
	}
	return &m, nil
}

// ---- inventory.Repository view ----

type memInventory struct{ *memStore }

func (r memInventory) Create(ctx context.Context, rec *inventory.Record) error {
	defer r.guard(ctx)()
	rec.ID = uuid.New()
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	r.inventory[rec.ID] = *rec
	return nil
}

func (r memInventory) GetByID(ctx context.Context, id uuid.UUID) (*inventory.Record, error) {
	defer r.guard(ctx)()
	rec, ok := r.inventory[id]
	if !ok {
		return nil, apperr.NotFound("inventory record")
	}
	return &rec, nil
}

func (r memInventory) GetByMedication(ctx context.Context, medicationID uuid.UUID) (*inventory.Record, error) {
	defer r.guard(ctx)()
	for _, rec := range r.inventory {
		if rec.MedicationID == medicationID {
			return &rec, nil
		}
	}
	return nil, apperr.NotFound("inventory record")
}

func (r memInventory) Update(ctx context.Context, rec *inventory.Record) error {
	defer r.guard(ctx)()
	cur, ok := r.inventory[rec.ID]
	if !ok {
		return apperr.NotFound("inventory record")
	}
	cur.ExpiryDate, cur.UnitPrice, cur.Supplier = rec.ExpiryDate, rec.UnitPrice, rec.Supplier
	r.inventory[rec.ID] = cur
	return nil
}

func (r memInventory) Delete(ctx context.Context, id uuid.UUID) error {
	defer r.guard(ctx)()
	delete(r.inventory, id)
	return nil
}

func (r memInventory) List(ctx context.Context, limit, offset int) ([]*inventory.Record, int, error) {
	defer r.guard(ctx)()
	var out []*inventory.Record
	for _, rec := range r.inventory {
		rec := rec
		out = append(out, &rec)
	}
	return out, len(out), nil
}

func (r memInventory) LowStock(ctx context.Context, threshold int) ([]*inventory.Record, error) {
	return nil, nil
}

func (r memInventory) ExpiringBefore(ctx context.Context, cutoff time.Time) ([]*inventory.Record, error) {
	return nil, nil
}

func (r memInventory) AdjustQuantity(ctx context.Context, id uuid.UUID, delta int) (*inventory.Record, error) {
	defer r.guard(ctx)()
	rec, ok := r.inventory[id]
	if !ok {
		return nil, apperr.NotFound("inventory record")
	}
	r.adjusted = append(r.adjusted, rec.MedicationID)
	if rec.Quantity+delta < 0 {
		return nil, &apperr.InsufficientStockError{MedicationID: rec.MedicationID, Available: rec.Quantity, Requested: -delta}
	}
	rec.Quantity += delta
	rec.UpdatedAt = time.Now()
	r.inventory[id] = rec
	return &rec, nil
}

// ---- order Repository view ----

type memOrders struct{ *memStore }

var errStorage = errors.New("storage unavailable")

func (r memOrders) Create(ctx context.Context, o *Order) error {
	defer r.guard(ctx)()
	o.ID = uuid.New()
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	stored := *o
	stored.Items = nil
	r.orders[o.ID] = stored
	return nil
}

func (r memOrders) get(id uuid.UUID) (*Order, error) {
	o, ok := r.orders[id]
	if !ok {
		return nil, apperr.NotFound("order")
	}
	return &o, nil
}

func (r memOrders) GetForShare(ctx context.Context, id uuid.UUID) (*Order, error) {
	defer r.guard(ctx)()
	r.noteRead(ctx)
	return r.get(id)
}

func (r memOrders) GetForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	defer r.guard(ctx)()
	return r.get(id)
}

func (r memOrders) Delete(ctx context.Context, id uuid.UUID) error {
	defer r.guard(ctx)()
	if _, ok := r.orders[id]; !ok {
		return apperr.NotFound("order")
	}
	delete(r.orders, id)
	for itemID, it := range r.items {
		if it.OrderID == id {
			delete(r.items, itemID)
			delete(r.lines, itemID)
		}
	}
	return nil
}

func (r memOrders) SetStatus(ctx context.Context, id uuid.UUID, status Status) (*Order, error) {
	defer r.guard(ctx)()
	o, ok := r.orders[id]
	if !ok {
		return nil, apperr.NotFound("order")
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	r.orders[id] = o
	return &o, nil
}

func (r memOrders) RecomputeTotal(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	defer r.guard(ctx)()
	o, ok := r.orders[id]
	if !ok {
		return decimal.Zero, apperr.NotFound("order")
	}
	total := decimal.Zero
	for _, it := range r.items {
		if it.OrderID == id {
			total = total.Add(it.Subtotal)
		}
	}
	o.Total = total
	r.orders[id] = o
	return total, nil
}

func (r memOrders) filter(keep func(Order) bool, limit, offset int) ([]*Order, int) {
	var all []*Order
	for _, o := range r.orders {
		if keep(o) {
			o := o
			all = append(all, &o)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total
}

func (r memOrders) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Order, int, error) {
	defer r.guard(ctx)()
	out, total := r.filter(func(o Order) bool { return f.Status == "" || o.Status == f.Status }, limit, offset)
	return out, total, nil
}

func (r memOrders) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	defer r.guard(ctx)()
	out, total := r.filter(func(o Order) bool { return o.PatientID == patientID }, limit, offset)
	return out, total, nil
}

func (r memOrders) AddItem(ctx context.Context, it *Item) error {
	defer r.guard(ctx)()
	r.addItemCalls++
	if r.failAddItemAt > 0 && r.addItemCalls == r.failAddItemAt {
		return errStorage
	}
	it.ID = uuid.New()
	it.CreatedAt = time.Now()
	r.seq++
	r.items[it.ID] = *it
	r.lines[it.ID] = r.seq
	return nil
}

func (r memOrders) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	defer r.guard(ctx)()
	it, ok := r.items[id]
	if !ok {
		return nil, apperr.NotFound("order item")
	}
	return &it, nil
}

func (r memOrders) UpdateItem(ctx context.Context, it *Item) error {
	defer r.guard(ctx)()
	if _, ok := r.items[it.ID]; !ok {
		return apperr.NotFound("order item")
	}
	r.items[it.ID] = *it
	return nil
}

func (r memOrders) DeleteItem(ctx context.Context, id uuid.UUID) error {
	defer r.guard(ctx)()
	if _, ok := r.items[id]; !ok {
		return apperr.NotFound("order item")
	}
	delete(r.items, id)
	delete(r.lines, id)
	return nil
}

func (r memOrders) GetItems(ctx context.Context, orderID uuid.UUID) ([]*Item, error) {
	defer r.guard(ctx)()
	r.noteRead(ctx)
	var out []*Item
	for _, it := range r.items {
		if it.OrderID == orderID {
			it := it
			out = append(out, &it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.lines[out[i].ID] < r.lines[out[j].ID] })
	return out, nil
}
