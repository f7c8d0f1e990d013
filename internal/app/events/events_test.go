package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

func TestRingBuffer_Log(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Log(Event{Type: EventMessageCreated, MessageID: "0x01", Message: "created"})

	if rb.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rb.Count())
	}
	recent := rb.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("Recent(1) len = %d, want 1", len(recent))
	}
	if recent[0].ID == "" {
		t.Error("ID should be auto-generated")
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("Timestamp should be auto-set")
	}
	if recent[0].Severity != SeverityInfo {
		t.Errorf("Severity = %q, want info", recent[0].Severity)
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 10; i++ {
		rb.Log(Event{Type: EventMessageCreated, Message: string(rune('A' + i))})
	}

	if rb.Count() != 5 {
		t.Errorf("Count() = %d, want 5 (capped)", rb.Count())
	}
	recent := rb.Recent(5)
	if recent[0].Message != "J" || recent[4].Message != "F" {
		t.Errorf("unexpected order: first=%s last=%s", recent[0].Message, recent[4].Message)
	}
}

func TestRingBuffer_RecentFilters(t *testing.T) {
	rb := NewRingBuffer(20)
	rb.Log(Event{Type: EventMessageCreated, MessageID: "a"})
	rb.Log(Event{Type: EventMessageFailed, MessageID: "a"})
	rb.Log(Event{Type: EventMessageCreated, MessageID: "b"})
	rb.Log(Event{Type: EventMessageRetried, MessageID: "a"})

	if got := rb.RecentByType(EventMessageCreated, 10); len(got) != 2 {
		t.Errorf("RecentByType len = %d, want 2", len(got))
	}
	got := rb.RecentByMessage("a", 10)
	if len(got) != 3 {
		t.Fatalf("RecentByMessage len = %d, want 3", len(got))
	}
	if got[0].Type != EventMessageRetried {
		t.Errorf("newest event first, got %s", got[0].Type)
	}
	if rb.RecentByMessage("a", 0) != nil {
		t.Error("n=0 should return nil")
	}
}

func TestRingBuffer_SubscribeAndUnsubscribe(t *testing.T) {
	rb := NewRingBuffer(10)
	var seen int32

	unsubscribe := rb.SubscribeFiltered(func(e Event) bool {
		return e.Type == EventMessageConfirmed
	}, func(Event) {
		atomic.AddInt32(&seen, 1)
	})

	rb.Log(Event{Type: EventMessageCreated})
	rb.Log(Event{Type: EventMessageConfirmed})
	unsubscribe()
	rb.Log(Event{Type: EventMessageConfirmed})

	if atomic.LoadInt32(&seen) != 1 {
		t.Errorf("handler calls = %d, want 1", seen)
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(100)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rb.Log(Event{Type: EventMessageCreated})
				_ = rb.Recent(5)
			}
		}()
	}
	wg.Wait()
	if rb.Count() != 100 {
		t.Errorf("Count() = %d, want 100", rb.Count())
	}
}

func TestLogWithContextCarriesTraceID(t *testing.T) {
	rb := NewRingBuffer(10)
	ctx := logger.WithTraceID(context.Background(), "trace-123")

	NewEvent(EventDomainRegistered).Domain(10).Actor("admin").LogToWithContext(ctx, rb)

	got := rb.Recent(1)[0]
	if got.TraceID != "trace-123" {
		t.Errorf("TraceID = %q, want trace-123", got.TraceID)
	}
	if got.DomainID != 10 || got.Actor != "admin" {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestEventBuilder_ErrorFrom(t *testing.T) {
	e := NewEvent(EventDispatchFailed).MessageID("0x02").ErrorFrom(errors.New("redis down")).MetadataInt("attempt", 2).Build()
	if e.Severity != SeverityError || e.Error != "redis down" {
		t.Errorf("unexpected error fields %+v", e)
	}
	if e.Metadata["attempt"] != "2" {
		t.Errorf("metadata = %v", e.Metadata)
	}
	if !strings.Contains(e.String(), `"type":"dispatch.failed"`) {
		t.Errorf("String() = %s", e.String())
	}
}

func TestNoOpJournal(t *testing.T) {
	var j Journal = NoOpJournal{}
	j.Log(Event{})
	j.Subscribe(func(Event) {})()
	if j.Recent(5) != nil {
		t.Error("NoOpJournal should keep nothing")
	}
}
