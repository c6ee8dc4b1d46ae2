package persistence

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStore_LeaseAcquireRenewRelease(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	acq, err := store.TryAcquireLease(ctx, "lead-1", "owner1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease: %v", err)
	}
	if !acq {
		t.Fatalf("expected acquired")
	}

	acq2, err := store.TryAcquireLease(ctx, "lead-1", "owner2", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease owner2: %v", err)
	}
	if acq2 {
		t.Fatalf("expected not acquired while lease active")
	}

	// Same owner re-acquires without waiting for expiry.
	reacq, err := store.TryAcquireLease(ctx, "lead-1", "owner1", 50*time.Millisecond)
	if err != nil || !reacq {
		t.Fatalf("expected re-entrant acquire: acq=%v err=%v", reacq, err)
	}

	if err := store.RenewLease(ctx, "lead-1", "owner1", 50*time.Millisecond); err != nil {
		t.Fatalf("RenewLease owner1: %v", err)
	}
	if err := store.RenewLease(ctx, "lead-1", "owner2", 50*time.Millisecond); err == nil {
		t.Fatalf("expected RenewLease owner2 to fail")
	}

	if err := store.ReleaseLease(ctx, "lead-1", "owner1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}

	acq3, err := store.TryAcquireLease(ctx, "lead-1", "owner2", 50*time.Millisecond)
	if err != nil || !acq3 {
		t.Fatalf("expected owner2 to acquire after release: acq=%v err=%v", acq3, err)
	}
}

func TestInMemoryStore_LeaseExpires(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	acq, err := store.TryAcquireLease(ctx, "lead-1", "owner1", 20*time.Millisecond)
	if err != nil || !acq {
		t.Fatalf("TryAcquireLease owner1: acq=%v err=%v", acq, err)
	}

	time.Sleep(30 * time.Millisecond)

	acq2, err := store.TryAcquireLease(ctx, "lead-1", "owner2", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease owner2: %v", err)
	}
	if !acq2 {
		t.Fatalf("expected owner2 to take over after expiry")
	}
}

func TestInMemoryStore_ReleaseIsIdempotent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.ReleaseLease(ctx, "lead-1", "nobody"); err != nil {
		t.Fatalf("releasing an unheld lease must not error: %v", err)
	}

	acq, _ := store.TryAcquireLease(ctx, "lead-1", "owner1", time.Second)
	if !acq {
		t.Fatalf("expected acquire")
	}
	// A stranger's release must not steal the lease.
	if err := store.ReleaseLease(ctx, "lead-1", "owner2"); err != nil {
		t.Fatalf("ReleaseLease owner2: %v", err)
	}
	acq2, _ := store.TryAcquireLease(ctx, "lead-1", "owner3", time.Second)
	if acq2 {
		t.Fatalf("lease was stolen by a foreign release")
	}
}
