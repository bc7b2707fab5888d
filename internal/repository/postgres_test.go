package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestWithRetry_RetriesSerializationFailure(t *testing.T) {
	r := &PostgresRepository{}

	calls := 0
	err := r.withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestWithRetry_DoesNotRetryDomainErrors(t *testing.T) {
	r := &PostgresRepository{}

	calls := 0
	err := r.withRetry(context.Background(), func() error {
		calls++
		return ErrSaleAlreadyCompleted
	})
	if !errors.Is(err, ErrSaleAlreadyCompleted) {
		t.Fatalf("err = %v, want ErrSaleAlreadyCompleted", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestWithRetry_StopsOnCancelledContext(t *testing.T) {
	r := &PostgresRepository{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.withRetry(ctx, func() error {
		return fmt.Errorf("dial: connection refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestViolatesMatchesConstraintName(t *testing.T) {
	openTicket := fmt.Errorf("insert: %w", &pgconn.PgError{
		Code:           pgerrcode.UniqueViolation,
		ConstraintName: constraintUserOpenTicket,
	})
	if !violates(openTicket, pgerrcode.UniqueViolation, constraintUserOpenTicket) {
		t.Fatalf("expected open ticket violation to be detected")
	}

	duplicateChannel := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "tickets_channel_id_key"}
	if violates(duplicateChannel, pgerrcode.UniqueViolation, constraintUserOpenTicket) {
		t.Fatalf("duplicate channel must not be reported as an open ticket")
	}

	missingProduct := &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation, ConstraintName: constraintTicketProduct}
	if violates(missingProduct, pgerrcode.UniqueViolation, constraintTicketProduct) {
		t.Fatalf("code must match as well as constraint")
	}
	if violates(errors.New("other"), pgerrcode.UniqueViolation, constraintUserOpenTicket) {
		t.Fatalf("plain error must not be a violation")
	}
}
