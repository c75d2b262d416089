package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/klinik/klinik/internal/platform/apperr"
)

type fakeTx struct {
	pgx.Tx
}

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx for empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestWithinTx_JoinsOuterTransaction(t *testing.T) {
	outer := &fakeTx{}
	ctx := context.WithValue(context.Background(), DBTxKey, pgx.Tx(outer))

	// nil pool: joining must not begin a new transaction
	m := NewTxManager(nil)
	called := false
	err := m.WithinTx(ctx, func(inner context.Context) error {
		called = true
		if TxFromContext(inner) != outer {
			t.Error("expected inner context to carry the outer transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestWithinTx_JoinedErrorPropagates(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, pgx.Tx(&fakeTx{}))
	want := errors.New("boom")
	if err := NewTxManager(nil).WithinTx(ctx, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestTranslateAbort(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"serialization", fmt.Errorf("reserve: %w", &pgconn.PgError{Code: "40001"}), true},
		{"check violation", &pgconn.PgError{Code: "23514"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateAbort(tt.err)
			if errors.Is(got, apperr.ErrConflict) != tt.conflict {
				t.Fatalf("translateAbort(%v) conflict = %v, want %v", tt.err, !tt.conflict, tt.conflict)
			}
			if !errors.Is(got, tt.err) {
				t.Error("expected the original error to stay in the chain")
			}
			if tt.conflict && apperr.StatusCode(got) != 409 {
				t.Errorf("expected 409, got %d", apperr.StatusCode(got))
			}
		})
	}
}
