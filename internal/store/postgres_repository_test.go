package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestRenewalBase(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	lapsed := now.Add(-48 * time.Hour)
	early := now.Add(5 * 24 * time.Hour)

	tests := []struct {
		name     string
		expireAt *time.Time
		want     time.Time
	}{
		{name: "no expiry recorded", expireAt: nil, want: now},
		{name: "lapsed in the past", expireAt: &lapsed, want: now},
		{name: "expires exactly now", expireAt: &now, want: now},
		{name: "renewed before expiry", expireAt: &early, want: early},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := RenewalBase(tc.expireAt, now); !got.Equal(tc.want) {
				t.Fatalf("RenewalBase() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505"}
	if !isUniqueViolation(fmt.Errorf("insert: %w", dup)) {
		t.Fatal("expected wrapped 23505 to be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("foreign key violation must not be treated as duplicate")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatal("plain error must not be treated as duplicate")
	}
}
