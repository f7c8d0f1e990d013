package retention

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/events"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage/memory"
)

func seed(t *testing.T, store *memory.Store, id string, status relay.Status, confirmedAt time.Time) {
	t.Helper()
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		m := relay.Message{ID: id, Sender: "alice", DestinationDomainID: 1, Payload: []byte("payload-" + id), Status: status}
		if status == relay.StatusConfirmed {
			at := confirmedAt
			m.ConfirmedAt = &at
		}
		return tx.InsertMessage(ctx, m)
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestSweepCompactsOldConfirmedMessages(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		seed(t, store, fmt.Sprintf("0xold%d", i), relay.StatusConfirmed, now.Add(-48*time.Hour))
	}
	seed(t, store, "0xfresh", relay.StatusConfirmed, now.Add(-time.Hour))
	seed(t, store, "0xpending", relay.StatusPending, time.Time{})
	seed(t, store, "0xfailed", relay.StatusFailed, time.Time{})

	journal := events.NewRingBuffer(10)
	p := New(store, Config{ConfirmedAfter: 24 * time.Hour, BatchSize: 2}, nil)
	p.WithJournal(journal)
	p.now = func() time.Time { return now }

	n, err := p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 5 {
		t.Fatalf("compacted %d, want 5", n)
	}

	old, err := store.GetMessage(context.Background(), "0xold3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if old.Payload != nil || !old.Archived || old.Status != relay.StatusConfirmed {
		t.Fatalf("unexpected compacted message %+v", old)
	}
	for _, id := range []string{"0xfresh", "0xpending", "0xfailed"} {
		m, _ := store.GetMessage(context.Background(), id)
		if m.Archived || m.Payload == nil {
			t.Fatalf("%s should not be compacted", id)
		}
	}

	// Compacted ids stay reserved.
	err = store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertMessage(ctx, relay.Message{ID: "0xold0", Sender: "alice"})
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on compacted id, got %v", err)
	}

	if got := journal.RecentByType(events.EventRetentionCompacted, 1); len(got) != 1 || got[0].Metadata["compacted"] != "5" {
		t.Fatalf("unexpected journal %+v", got)
	}

	again, err := p.Sweep(context.Background())
	if err != nil || again != 0 {
		t.Fatalf("second sweep = %d, %v", again, err)
	}
}

func TestDisabledPruner(t *testing.T) {
	p := New(memory.New(), Config{}, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if n, err := p.Sweep(context.Background()); n != 0 || err != nil {
		t.Fatalf("disabled sweep = %d, %v", n, err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	p := New(memory.New(), Config{Schedule: "@every 1h", ConfirmedAfter: time.Hour}, nil)
	if p.Name() != "retention" {
		t.Fatalf("unexpected name %q", p.Name())
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	bad := New(memory.New(), Config{Schedule: "every now and then", ConfirmedAfter: time.Hour}, nil)
	if err := bad.Start(context.Background()); err == nil {
		t.Fatalf("expected schedule parse error")
	}
}
