//go:build integration && postgres

package httpapi

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage/postgres"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/platform/migrations"
)

// Exercises the HTTP surface against a migrated Postgres store.
func TestIntegrationPostgres(t *testing.T) {
	_ = godotenv.Load()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := migrations.Up(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s := newTestServerWithStore(t, postgres.New(db))

	domainID := uint64(time.Now().UnixNano() % 1_000_000_000)
	domain := map[string]any{}
	for k, v := range testDomain {
		domain[k] = v
	}
	domain["domain_id"] = domainID
	expectStatus(t, s.do(t, http.MethodPost, "/v1/domains", "ops", domain), http.StatusCreated)

	sender := fmt.Sprintf("it-%d", domainID)
	rec := s.do(t, http.MethodPost, "/v1/messages", sender, map[string]any{
		"domain_id":    domainID,
		"payload":      []byte("integration"),
		"payload_type": "structured_data",
	})
	expectStatus(t, rec, http.StatusCreated)
	msg := decode[relay.Message](t, rec)

	rec = s.do(t, http.MethodPost, "/v1/messages/"+msg.ID+"/status", "relayer-1", map[string]any{"status": "confirmed"})
	expectStatus(t, rec, http.StatusOK)

	stored, err := postgres.New(db).GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("reload message: %v", err)
	}
	if stored.Status != relay.StatusConfirmed {
		t.Fatalf("persisted status = %s", stored.Status)
	}

	rec = s.do(t, http.MethodGet, "/v1/senders/"+sender+"/messages", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decode[[]relay.Message](t, rec); len(list) != 1 {
		t.Fatalf("expected one persisted message, got %d", len(list))
	}
}
