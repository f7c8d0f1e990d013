package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.RelayStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

const domainColumns = `id, family, endpoint_ref, rollup_ref, confirmation_depth, settlement_symbol,
	native_usd_price_e8, avg_block_interval_seconds, side_channel_enabled, max_payload_bytes,
	active, created_at, updated_at`

const messageColumns = `id, sender, domain_id, payload, payload_type, compressed, original_size,
	payload_size, channel, nonce, status, failure_reason, retry_count, native_cost, usd_cost_e8,
	archived, created_at, updated_at, confirmed_at`

const profileColumns = `payload_type, dictionary_size, min_match_length, compression_level,
	huffman_enabled, block_size, sample_count, average_ratio_bps, updated_at`

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// --- DomainStore ------------------------------------------------------------

func (s *Store) CreateDomain(ctx context.Context, d relay.Domain) (relay.Domain, error) {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	result, err := s.db.NamedExecContext(ctx, `
		INSERT INTO relay_domains (`+domainColumns+`)
		VALUES (:id, :family, :endpoint_ref, :rollup_ref, :confirmation_depth, :settlement_symbol,
			:native_usd_price_e8, :avg_block_interval_seconds, :side_channel_enabled, :max_payload_bytes,
			:active, :created_at, :updated_at)
		ON CONFLICT (id) DO NOTHING
	`, d)
	if err != nil {
		return relay.Domain{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return relay.Domain{}, storage.ErrConflict
	}
	return d, nil
}

func (s *Store) UpdateDomain(ctx context.Context, d relay.Domain) (relay.Domain, error) {
	d.UpdatedAt = time.Now().UTC()

	var createdAt time.Time
	err := s.db.QueryRowxContext(ctx, `
		UPDATE relay_domains
		SET family = $2, endpoint_ref = $3, rollup_ref = $4, confirmation_depth = $5,
			settlement_symbol = $6, native_usd_price_e8 = $7, avg_block_interval_seconds = $8,
			side_channel_enabled = $9, max_payload_bytes = $10, active = $11, updated_at = $12
		WHERE id = $1
		RETURNING created_at
	`, d.ID, d.Family, d.EndpointRef, d.RollupRef, d.ConfirmationDepth, d.SettlementSymbol,
		d.NativeUSDPrice, d.AvgBlockIntervalSeconds, d.SideChannelEnabled, d.MaxPayloadBytes,
		d.Active, d.UpdatedAt).Scan(&createdAt)
	if err != nil {
		return relay.Domain{}, notFound(err)
	}
	d.CreatedAt = createdAt
	return d, nil
}

func (s *Store) GetDomain(ctx context.Context, id uint64) (relay.Domain, error) {
	return getDomain(ctx, s.db, id)
}

func getDomain(ctx context.Context, q queryer, id uint64) (relay.Domain, error) {
	var d relay.Domain
	if err := q.GetContext(ctx, &d, `SELECT `+domainColumns+` FROM relay_domains WHERE id = $1`, id); err != nil {
		return relay.Domain{}, notFound(err)
	}
	return d, nil
}

func (s *Store) ListDomains(ctx context.Context) ([]relay.Domain, error) {
	var out []relay.Domain
	if err := s.db.SelectContext(ctx, &out, `SELECT `+domainColumns+` FROM relay_domains ORDER BY id`); err != nil {
		return nil, err
	}
	return out, nil
}

// --- ProfileStore -----------------------------------------------------------

func (s *Store) GetProfile(ctx context.Context, t relay.PayloadType) (relay.CompressionProfile, error) {
	var p relay.CompressionProfile
	if err := s.db.GetContext(ctx, &p, `SELECT `+profileColumns+` FROM relay_compression_profiles WHERE payload_type = $1`, t); err != nil {
		return relay.CompressionProfile{}, notFound(err)
	}
	return p, nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]relay.CompressionProfile, error) {
	var out []relay.CompressionProfile
	if err := s.db.SelectContext(ctx, &out, `SELECT `+profileColumns+` FROM relay_compression_profiles ORDER BY payload_type`); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SaveProfileParams(ctx context.Context, t relay.PayloadType, params relay.CompressionParams) (relay.CompressionProfile, error) {
	var p relay.CompressionProfile
	err := s.db.GetContext(ctx, &p, `
		INSERT INTO relay_compression_profiles
			(payload_type, dictionary_size, min_match_length, compression_level, huffman_enabled, block_size, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (payload_type) DO UPDATE
		SET dictionary_size = EXCLUDED.dictionary_size,
			min_match_length = EXCLUDED.min_match_length,
			compression_level = EXCLUDED.compression_level,
			huffman_enabled = EXCLUDED.huffman_enabled,
			block_size = EXCLUDED.block_size,
			updated_at = EXCLUDED.updated_at
		RETURNING `+profileColumns,
		t, params.DictionarySize, params.MinMatchLength, params.CompressionLevel, params.HuffmanEnabled,
		params.BlockSize, time.Now().UTC())
	if err != nil {
		return relay.CompressionProfile{}, err
	}
	return p, nil
}

// RecordCompressionSample applies the same integer running mean as
// relay.CompressionProfile.RecordSample in a single statement.
func (s *Store) RecordCompressionSample(ctx context.Context, t relay.PayloadType, ratioBps uint64) (relay.CompressionProfile, error) {
	var p relay.CompressionProfile
	err := s.db.GetContext(ctx, &p, `
		UPDATE relay_compression_profiles
		SET sample_count = sample_count + 1,
			average_ratio_bps = CASE
				WHEN sample_count = 0 THEN $2::BIGINT
				ELSE average_ratio_bps + ($2::BIGINT - average_ratio_bps) / (sample_count + 1)
			END,
			updated_at = $3
		WHERE payload_type = $1
		RETURNING `+profileColumns,
		t, int64(ratioBps), time.Now().UTC())
	if err != nil {
		return relay.CompressionProfile{}, notFound(err)
	}
	return p, nil
}

// --- MessageStore -----------------------------------------------------------

func (s *Store) GetMessage(ctx context.Context, id string) (relay.Message, error) {
	var m relay.Message
	if err := s.db.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM relay_messages WHERE id = $1`, id); err != nil {
		return relay.Message{}, notFound(err)
	}
	return m, nil
}

func (s *Store) ListMessagesBySender(ctx context.Context, sender string, limit int) ([]relay.Message, error) {
	var out []relay.Message
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+messageColumns+`
		FROM relay_messages
		WHERE sender = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sender, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListPendingMessages(ctx context.Context, domainID uint64, limit int) ([]relay.Message, error) {
	var out []relay.Message
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+messageColumns+`
		FROM relay_messages
		WHERE domain_id = $1 AND status = 'pending'
		ORDER BY created_at
		LIMIT $2
	`, domainID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListTransitions(ctx context.Context, messageID string) ([]relay.Transition, error) {
	var out []relay.Transition
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, message_id, from_status, to_status, reason, actor, at
		FROM relay_message_transitions
		WHERE message_id = $1
		ORDER BY at, id
	`, messageID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CompactConfirmedMessages(ctx context.Context, before time.Time, limit int) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE relay_messages
		SET payload = NULL, archived = TRUE, updated_at = $2
		WHERE id IN (
			SELECT id FROM relay_messages
			WHERE status = 'confirmed' AND NOT archived AND confirmed_at < $1
			ORDER BY confirmed_at
			LIMIT $3
		)
	`, before, time.Now().UTC(), sqlLimit(limit))
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// --- LedgerStore ------------------------------------------------------------

type itemRow struct {
	Kind         relay.ItemKind `db:"kind"`
	BusinessID   string         `db:"business_id"`
	MessageID    string         `db:"message_id"`
	Owner        string         `db:"owner"`
	Participants pq.StringArray `db:"participants"`
	DomainID     uint64         `db:"domain_id"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (r itemRow) item() relay.BridgedItem {
	return relay.BridgedItem{
		Kind:         r.Kind,
		BusinessID:   r.BusinessID,
		MessageID:    r.MessageID,
		Owner:        r.Owner,
		Participants: []string(r.Participants),
		DomainID:     r.DomainID,
		CreatedAt:    r.CreatedAt,
	}
}

func (s *Store) GetBridgedItem(ctx context.Context, kind relay.ItemKind, businessID string) (relay.BridgedItem, error) {
	var row itemRow
	err := s.db.GetContext(ctx, &row, `
		SELECT kind, business_id, message_id, owner, participants, domain_id, created_at
		FROM relay_bridged_items
		WHERE kind = $1 AND business_id = $2
	`, kind, businessID)
	if err != nil {
		return relay.BridgedItem{}, notFound(err)
	}
	return row.item(), nil
}

func (s *Store) ListBridgedItems(ctx context.Context, kind relay.ItemKind, participant string) ([]relay.BridgedItem, error) {
	var rows []itemRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT kind, business_id, message_id, owner, participants, domain_id, created_at
		FROM relay_bridged_items
		WHERE kind = $1 AND (owner = $2 OR $2 = ANY(participants))
		ORDER BY created_at
	`, kind, participant)
	if err != nil {
		return nil, err
	}
	out := make([]relay.BridgedItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item())
	}
	return out, nil
}

// --- Transactor -------------------------------------------------------------

// WithinTx runs fn inside a database transaction, committing when fn
// succeeds and rolling back otherwise.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(ctx, &pgTx{tx: tx})
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) GetDomain(ctx context.Context, id uint64) (relay.Domain, error) {
	return getDomain(ctx, t.tx, id)
}

func (t *pgTx) GetMessageForUpdate(ctx context.Context, id string) (relay.Message, error) {
	var m relay.Message
	if err := t.tx.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM relay_messages WHERE id = $1 FOR UPDATE`, id); err != nil {
		return relay.Message{}, notFound(err)
	}
	return m, nil
}

func (t *pgTx) InsertMessage(ctx context.Context, m relay.Message) error {
	result, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO relay_messages (`+messageColumns+`)
		VALUES (:id, :sender, :domain_id, :payload, :payload_type, :compressed, :original_size,
			:payload_size, :channel, :nonce, :status, :failure_reason, :retry_count, :native_cost,
			:usd_cost_e8, :archived, :created_at, :updated_at, :confirmed_at)
		ON CONFLICT (id) DO NOTHING
	`, m)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (t *pgTx) UpdateMessage(ctx context.Context, m relay.Message) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE relay_messages
		SET status = $2, failure_reason = $3, retry_count = $4, updated_at = $5, confirmed_at = $6
		WHERE id = $1
	`, m.ID, m.Status, m.FailureReason, m.RetryCount, m.UpdatedAt, m.ConfirmedAt)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendTransition(ctx context.Context, tr relay.Transition) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO relay_message_transitions (id, message_id, from_status, to_status, reason, actor, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tr.ID, tr.MessageID, tr.From, tr.To, tr.Reason, tr.Actor, tr.At)
	return err
}

func (t *pgTx) NextNonce(ctx context.Context, sender string) (uint64, error) {
	var nonce uint64
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO relay_sender_nonces (sender, next_nonce)
		VALUES ($1, 1)
		ON CONFLICT (sender) DO UPDATE SET next_nonce = relay_sender_nonces.next_nonce + 1
		RETURNING next_nonce - 1
	`, sender).Scan(&nonce)
	return nonce, err
}

func (t *pgTx) ClaimBusinessID(ctx context.Context, item relay.BridgedItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO relay_bridged_items (kind, business_id, message_id, owner, participants, domain_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (kind, business_id) DO NOTHING
	`, item.Kind, item.BusinessID, item.MessageID, item.Owner, pq.Array(item.Participants), item.DomainID, item.CreatedAt)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (t *pgTx) RecordCompressionSample(ctx context.Context, pt relay.PayloadType, ratioBps uint64) error {
	params := relay.DefaultProfile(pt).CompressionParams
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO relay_compression_profiles AS p
			(payload_type, dictionary_size, min_match_length, compression_level, huffman_enabled, block_size,
			 sample_count, average_ratio_bps, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
		ON CONFLICT (payload_type) DO UPDATE
		SET sample_count = p.sample_count + 1,
			average_ratio_bps = CASE
				WHEN p.sample_count = 0 THEN EXCLUDED.average_ratio_bps
				ELSE p.average_ratio_bps + (EXCLUDED.average_ratio_bps - p.average_ratio_bps) / (p.sample_count + 1)
			END,
			updated_at = EXCLUDED.updated_at
	`, pt, params.DictionarySize, params.MinMatchLength, params.CompressionLevel, params.HuffmanEnabled,
		params.BlockSize, int64(ratioBps), time.Now().UTC())
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}
