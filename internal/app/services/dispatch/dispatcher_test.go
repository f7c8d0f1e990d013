package dispatch

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/go-redis/redis/v8"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
)

type recordingRedis struct {
	redis.Cmdable
	calls []*redis.XAddArgs
	err   error
}

func (r *recordingRedis) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	r.calls = append(r.calls, a)
	return redis.NewStringResult("1-0", r.err)
}

func TestStreamDispatcher_AppendsToDomainStream(t *testing.T) {
	rec := &recordingRedis{}
	d := NewStreamDispatcher(rec, StreamConfig{MaxLen: 500}, nil)

	msg := relay.Message{ID: "0xabc", Sender: "alice", DestinationDomainID: 42161, Channel: relay.ChannelInline, PayloadSize: 12}
	if err := d.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("expected one XADD, got %d", len(rec.calls))
	}
	args := rec.calls[0]
	if args.Stream != "relay:domain:42161" {
		t.Fatalf("unexpected stream %q", args.Stream)
	}
	if args.MaxLen != 500 || !args.Approx {
		t.Fatalf("expected approximate trimming, got %+v", args)
	}
	values := args.Values.(map[string]interface{})
	if values["message_id"] != "0xabc" || values["channel"] != "inline" {
		t.Fatalf("unexpected values %v", values)
	}
}

func TestStreamDispatcher_PropagatesError(t *testing.T) {
	rec := &recordingRedis{err: errors.New("connection refused")}
	d := NewStreamDispatcher(rec, StreamConfig{Prefix: "test:"}, nil)
	if err := d.Dispatch(context.Background(), relay.Message{ID: "0x1", DestinationDomainID: 1}); err == nil {
		t.Fatalf("expected error")
	}
	if rec.calls[0].Stream != "test:1" || rec.calls[0].MaxLen != 0 {
		t.Fatalf("unexpected args %+v", rec.calls[0])
	}
}

func TestDispatcherFuncAndNoop(t *testing.T) {
	var got string
	var d Dispatcher = DispatcherFunc(func(_ context.Context, m relay.Message) error {
		got = m.ID
		return nil
	})
	if err := d.Dispatch(context.Background(), relay.Message{ID: "0x2"}); err != nil || got != "0x2" {
		t.Fatalf("func dispatcher: %v %q", err, got)
	}
	if err := (Noop{}).Dispatch(context.Background(), relay.Message{}); err != nil {
		t.Fatalf("noop: %v", err)
	}
}

func TestStreamDispatcher_Redis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	d := NewStreamDispatcher(client, StreamConfig{Prefix: "relaytest:domain:", MaxLen: 10}, nil)
	stream := d.Stream(7)
	defer client.Del(ctx, stream)

	if err := d.Dispatch(ctx, relay.Message{ID: "0xfeed", DestinationDomainID: 7, Channel: relay.ChannelSideChannel}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 || entries[0].Values["message_id"] != "0xfeed" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
