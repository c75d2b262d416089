package order

import (
	"github.com/klinik/klinik/internal/platform/apperr"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
)

var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusCompleted: true, StatusCanceled: true},
	StatusProcessing: {StatusCompleted: true, StatusCanceled: true},
	StatusCompleted:  {},
	StatusCanceled:   {},
}

// ParseStatus accepts only the four known statuses.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", apperr.Validation("invalid order status %q", s)
	}
	return st, nil
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// HoldsReservation reports whether the items of an order in this status
// still have stock set aside for them. Canceled orders already returned
// theirs, so deleting one must not credit the stock a second time.
func (s Status) HoldsReservation() bool {
	return s == StatusPending || s == StatusProcessing
}

// CanTransition reports whether an order may move from one status to
// another. Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		_, known := transitions[from]
		return known
	}
	return transitions[from][to]
}
