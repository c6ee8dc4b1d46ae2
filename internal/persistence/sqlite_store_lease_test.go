package persistence

import (
	"context"
	"testing"
	"time"
)

func TestSQLiteStore_LeaseAcquireRenewRelease(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	// Leases live on the context row, so the lead must exist first.
	if err := store.SaveContext(sampleContext("lead-1")); err != nil {
		t.Fatalf("SaveContext: %v", err)
	}

	acq, err := store.TryAcquireLease(ctx, "lead-1", "owner1", 100*time.Millisecond)
	if err != nil || !acq {
		t.Fatalf("TryAcquireLease: acq=%v err=%v", acq, err)
	}

	acq2, err := store.TryAcquireLease(ctx, "lead-1", "owner2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease owner2: %v", err)
	}
	if acq2 {
		t.Fatalf("expected not acquired while lease active")
	}

	reacq, err := store.TryAcquireLease(ctx, "lead-1", "owner1", 100*time.Millisecond)
	if err != nil || !reacq {
		t.Fatalf("expected re-entrant acquire: acq=%v err=%v", reacq, err)
	}

	if err := store.RenewLease(ctx, "lead-1", "owner1", 100*time.Millisecond); err != nil {
		t.Fatalf("RenewLease owner1: %v", err)
	}
	if err := store.RenewLease(ctx, "lead-1", "owner2", 100*time.Millisecond); err == nil {
		t.Fatalf("expected RenewLease owner2 to fail")
	}

	if err := store.ReleaseLease(ctx, "lead-1", "owner1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	acq3, err := store.TryAcquireLease(ctx, "lead-1", "owner2", 100*time.Millisecond)
	if err != nil || !acq3 {
		t.Fatalf("expected owner2 to acquire after release: acq=%v err=%v", acq3, err)
	}
}

func TestSQLiteStore_LeaseExpires(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.SaveContext(sampleContext("lead-1")); err != nil {
		t.Fatalf("SaveContext: %v", err)
	}

	acq, err := store.TryAcquireLease(ctx, "lead-1", "owner1", 20*time.Millisecond)
	if err != nil || !acq {
		t.Fatalf("TryAcquireLease owner1: acq=%v err=%v", acq, err)
	}

	time.Sleep(30 * time.Millisecond)

	acq2, err := store.TryAcquireLease(ctx, "lead-1", "owner2", 20*time.Millisecond)
	if err != nil || !acq2 {
		t.Fatalf("expected takeover after expiry: acq=%v err=%v", acq2, err)
	}
}

func TestSQLiteStore_LeaseForUnknownLead(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	acq, err := store.TryAcquireLease(ctx, "ghost", "owner1", time.Second)
	if err != nil {
		t.Fatalf("TryAcquireLease: %v", err)
	}
	if acq {
		t.Fatalf("acquired a lease for a lead that has no context row")
	}
}
