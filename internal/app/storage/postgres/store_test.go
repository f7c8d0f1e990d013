package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/lib/pq"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/platform/migrations"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCreateDomainConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO relay_domains").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.CreateDomain(context.Background(), relay.Domain{ID: 10, EndpointRef: "0xabc", MaxPayloadBytes: 10})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetDomainNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM relay_domains WHERE id = \\$1").
		WithArgs(7).
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetDomain(context.Background(), 7); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetDomainScansRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "family", "endpoint_ref", "rollup_ref", "confirmation_depth", "settlement_symbol",
		"native_usd_price_e8", "avg_block_interval_seconds", "side_channel_enabled", "max_payload_bytes",
		"active", "created_at", "updated_at",
	}).AddRow(int64(42161), "optimistic_rollup", "0xinbox", "0xrollup", int64(12), "USDC",
		int64(350000000000), int64(2), true, int64(200000), true, now, now)
	mock.ExpectQuery("SELECT (.+) FROM relay_domains").WillReturnRows(rows)

	d, err := store.GetDomain(context.Background(), 42161)
	if err != nil {
		t.Fatalf("get domain: %v", err)
	}
	if d.ID != 42161 || d.Family != relay.FamilyOptimisticRollup || !d.SideChannelEnabled || d.MaxPayloadBytes != 200000 {
		t.Fatalf("unexpected domain %+v", d)
	}
}

func TestWithinTxRollsBackOnConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO relay_messages").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertMessage(ctx, relay.Message{ID: "0x01", Sender: "alice", Status: relay.StatusPending})
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithinTxCommitsNonceAndClaim(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO relay_sender_nonces").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"nonce"}).AddRow(int64(4)))
	mock.ExpectExec("INSERT INTO relay_bridged_items").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var nonce uint64
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		if nonce, err = tx.NextNonce(ctx, "alice"); err != nil {
			return err
		}
		return tx.ClaimBusinessID(ctx, relay.BridgedItem{Kind: relay.ItemOrder, BusinessID: "O1", MessageID: "0x01", Owner: "alice"})
	})
	if err != nil {
		t.Fatalf("within tx: %v", err)
	}
	if nonce != 4 {
		t.Fatalf("expected nonce 4, got %d", nonce)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCompressionSampleRollsBackWithMessage(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO relay_compression_profiles AS p").
		WithArgs(relay.PayloadProof, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), int64(4200), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO relay_messages").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if err := tx.RecordCompressionSample(ctx, relay.PayloadProof, 4200); err != nil {
			return err
		}
		return tx.InsertMessage(ctx, relay.Message{ID: "0x01", Sender: "alice"})
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimBusinessIDConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO relay_bridged_items").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.ClaimBusinessID(ctx, relay.BridgedItem{Kind: relay.ItemTrade, BusinessID: "T1"})
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCompactConfirmedMessages(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE relay_messages\\s+SET payload = NULL").WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.CompactConfirmedMessages(context.Background(), time.Now(), 50)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows, got %d", n)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := New(db)

	domainID := uint64(time.Now().UnixNano() & 0x7fffffff)
	if _, err := store.CreateDomain(ctx, relay.Domain{
		ID: domainID, Family: relay.FamilyZKRollup, EndpointRef: "0xinbox", NativeUSDPrice: 1e8,
		MaxPayloadBytes: 1000, Active: true,
	}); err != nil {
		t.Fatalf("create domain: %v", err)
	}

	msgID := "0xintegration" + time.Now().Format("150405.000000000")
	err = store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := time.Now().UTC()
		if err := tx.InsertMessage(ctx, relay.Message{
			ID: msgID, Sender: "alice", DestinationDomainID: domainID, Payload: []byte("hello"),
			Channel: relay.ChannelInline, Status: relay.StatusPending, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return tx.AppendTransition(ctx, relay.Transition{MessageID: msgID, To: relay.StatusPending, Actor: "alice", At: now})
	})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}

	got, err := store.GetMessage(ctx, msgID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if string(got.Payload) != "hello" || got.Status != relay.StatusPending {
		t.Fatalf("unexpected message %+v", got)
	}
}
