package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/quillbooks/quill/internal/db"
	"github.com/quillbooks/quill/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot decisioning path.
var preparedStatements = map[string]string{
	"insert_proposal": `INSERT INTO proposals (id, tenant_id, transaction_id, strategy, calibrated_p, route, reason, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	"get_cold_start":  `SELECT tenant_id, vendor_key, consistent_label_count, last_label, last_updated FROM cold_start WHERE tenant_id = $1 AND vendor_key = $2`,
	"create_export":   `INSERT INTO export_records (tenant_id, payload_hash, created_at) VALUES ($1, $2, $3)`,
	"get_export":      `SELECT tenant_id, payload_hash, external_doc_id, created_at FROM export_records WHERE tenant_id = $1 AND payload_hash = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS transactions (
	id           TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	tx_date      DATE NOT NULL,
	amount_cents BIGINT NOT NULL,
	currency     TEXT NOT NULL,
	description  TEXT NOT NULL,
	vendor       TEXT NOT NULL,
	source_ref   TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS proposals (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	strategy       TEXT NOT NULL,
	calibrated_p   DOUBLE PRECISION NOT NULL,
	route          TEXT NOT NULL,
	reason         TEXT,
	payload        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS journal_entries (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	transaction_id TEXT,
	entry_date     DATE NOT NULL,
	legs           JSONB NOT NULL,
	payload_hash   TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS recall_labels (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	vendor_key TEXT NOT NULL,
	account    TEXT NOT NULL,
	embedding  JSONB NOT NULL,
	labeled_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cold_start (
	tenant_id              TEXT NOT NULL,
	vendor_key             TEXT NOT NULL,
	consistent_label_count INTEGER NOT NULL,
	last_label             TEXT NOT NULL,
	last_updated           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, vendor_key)
);

CREATE TABLE IF NOT EXISTS calibration_models (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	strategy         TEXT NOT NULL,
	model_version    TEXT NOT NULL,
	bins             JSONB NOT NULL,
	training_vendors JSONB,
	holdout_vendors  JSONB,
	fitted_at        TIMESTAMPTZ NOT NULL,
	activated_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS export_records (
	tenant_id       TEXT NOT NULL,
	payload_hash    TEXT NOT NULL,
	external_doc_id TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, payload_hash)
);

CREATE TABLE IF NOT EXISTS spend_ledger (
	scope        TEXT NOT NULL,
	day          DATE NOT NULL,
	spent_micros BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (scope, day)
);

CREATE TABLE IF NOT EXISTS reconciliation_results (
	tenant_id        TEXT NOT NULL,
	window_key       TEXT NOT NULL,
	transaction_id   TEXT NOT NULL,
	journal_entry_id TEXT,
	status           TEXT NOT NULL,
	tolerance_days   INTEGER NOT NULL,
	delta_cents      BIGINT NOT NULL,
	needs_review     BOOLEAN NOT NULL,
	detail           TEXT,
	computed_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant_date ON transactions(tenant_id, tx_date);
CREATE INDEX IF NOT EXISTS idx_proposals_tenant_tx ON proposals(tenant_id, transaction_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_proposals_tenant_route ON proposals(tenant_id, route);
CREATE INDEX IF NOT EXISTS idx_journal_entries_tenant_date ON journal_entries(tenant_id, entry_date);
CREATE UNIQUE INDEX IF NOT EXISTS idx_journal_entries_payload ON journal_entries(tenant_id, payload_hash);
CREATE INDEX IF NOT EXISTS idx_recall_labels_tenant ON recall_labels(tenant_id);
CREATE INDEX IF NOT EXISTS idx_calibration_active ON calibration_models(tenant_id, strategy, model_version, activated_at);
CREATE INDEX IF NOT EXISTS idx_reconciliation_window ON reconciliation_results(tenant_id, window_key);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// isPgUniqueViolation reports whether err is a Postgres unique
// constraint violation (SQLSTATE 23505).
func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Transactions ---

func (s *PostgresStore) InsertTransaction(ctx context.Context, tx model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, tenant_id, tx_date, amount_cents, currency, description, vendor, source_ref)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tx.ID, tx.TenantID, tx.Date.UTC(), tx.AmountCents,
		tx.Currency, tx.Description, tx.Vendor, tx.SourceRef,
	)
	return eris.Wrapf(err, "postgres: insert transaction %s", tx.ID)
}

func (s *PostgresStore) GetTransaction(ctx context.Context, tenantID, id string) (*model.Transaction, error) {
	var tx model.Transaction
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, tx_date, amount_cents, currency, description, vendor, COALESCE(source_ref, '')
		 FROM transactions WHERE tenant_id = $1 AND id = $2`, tenantID, id,
	).Scan(&tx.ID, &tx.TenantID, &tx.Date, &tx.AmountCents,
		&tx.Currency, &tx.Description, &tx.Vendor, &tx.SourceRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get transaction %s", id)
	}
	return &tx, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, tenantID string, f TxFilter) ([]model.Transaction, error) {
	q := `SELECT id, tenant_id, tx_date, amount_cents, currency, description, vendor, COALESCE(source_ref, '')
	      FROM transactions WHERE tenant_id = $1`
	args := []any{tenantID}
	if !f.From.IsZero() {
		args = append(args, f.From.UTC())
		q += ` AND tx_date >= $` + itoa(len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To.UTC())
		q += ` AND tx_date <= $` + itoa(len(args))
	}
	q += ` ORDER BY tx_date, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` LIMIT $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list transactions")
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		if err := rows.Scan(&tx.ID, &tx.TenantID, &tx.Date, &tx.AmountCents,
			&tx.Currency, &tx.Description, &tx.Vendor, &tx.SourceRef); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		out = append(out, tx)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list transactions rows")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

// --- Proposals ---

func (s *PostgresStore) InsertProposal(ctx context.Context, p model.CategorizationProposal) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal proposal")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO proposals (id, tenant_id, transaction_id, strategy, calibrated_p, route, reason, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.TenantID, p.TransactionID, string(p.Strategy), p.CalibratedP,
		string(p.Route), string(p.NotAutoPostReason), payload, p.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert proposal %s", p.ID)
}

func (s *PostgresStore) LatestProposal(ctx context.Context, tenantID, transactionID string) (*model.CategorizationProposal, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM proposals WHERE tenant_id = $1 AND transaction_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`, tenantID, transactionID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest proposal for %s", transactionID)
	}
	var p model.CategorizationProposal
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal proposal")
	}
	return &p, nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, tenantID string, f ProposalFilter) ([]model.CategorizationProposal, error) {
	q := `SELECT payload FROM proposals WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.Route != "" {
		args = append(args, string(f.Route))
		q += ` AND route = $` + itoa(len(args))
	}
	if !f.CreatedAfter.IsZero() {
		args = append(args, f.CreatedAfter.UTC())
		q += ` AND created_at > $` + itoa(len(args))
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` LIMIT $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list proposals")
	}
	defer rows.Close()

	var out []model.CategorizationProposal
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan proposal")
		}
		var p model.CategorizationProposal
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal proposal")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list proposals rows")
}

// --- Journal entries ---

// InsertJournalEntry upserts by id, so re-posting a corrected entry
// replaces its legs. The same payload hash under a fresh id is the
// retry signal and surfaces as ErrDuplicateEntry.
func (s *PostgresStore) InsertJournalEntry(ctx context.Context, e model.JournalEntry) error {
	legs, err := json.Marshal(e.Legs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal legs")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO journal_entries (id, tenant_id, transaction_id, entry_date, legs, payload_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   entry_date = EXCLUDED.entry_date,
		   legs = EXCLUDED.legs,
		   payload_hash = EXCLUDED.payload_hash`,
		e.ID, e.TenantID, e.TransactionID, e.Date.UTC(), legs, e.PayloadHash(), e.CreatedAt.UTC(),
	)
	if isPgUniqueViolation(err) {
		return ErrDuplicateEntry
	}
	return eris.Wrapf(err, "postgres: insert journal entry %s", e.ID)
}

func (s *PostgresStore) GetJournalEntryByHash(ctx context.Context, tenantID, payloadHash string) (*model.JournalEntry, error) {
	var e model.JournalEntry
	var legs []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, COALESCE(transaction_id, ''), entry_date, legs, created_at
		 FROM journal_entries WHERE tenant_id = $1 AND payload_hash = $2`,
		tenantID, payloadHash,
	).Scan(&e.ID, &e.TenantID, &e.TransactionID, &e.Date, &legs, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get journal entry by hash %s", payloadHash)
	}
	if err := json.Unmarshal(legs, &e.Legs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal legs")
	}
	return &e, nil
}

func (s *PostgresStore) ListJournalEntries(ctx context.Context, tenantID string, from, to time.Time) ([]model.JournalEntry, error) {
	q := `SELECT id, tenant_id, COALESCE(transaction_id, ''), entry_date, legs, created_at
	      FROM journal_entries WHERE tenant_id = $1`
	args := []any{tenantID}
	if !from.IsZero() {
		args = append(args, from.UTC())
		q += ` AND entry_date >= $` + itoa(len(args))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		q += ` AND entry_date <= $` + itoa(len(args))
	}
	q += ` ORDER BY entry_date, id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list journal entries")
	}
	defer rows.Close()

	var out []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var legs []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.TransactionID, &e.Date, &legs, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan journal entry")
		}
		if err := json.Unmarshal(legs, &e.Legs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal legs")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list journal entries rows")
}

// --- Recall labels ---

func (s *PostgresStore) InsertRecallLabel(ctx context.Context, l RecallLabel) error {
	emb, err := json.Marshal(l.Embedding)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal embedding")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO recall_labels (id, tenant_id, vendor_key, account, embedding, labeled_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.TenantID, l.VendorKey, l.Account, emb, l.LabeledAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert recall label %s", l.ID)
}

func (s *PostgresStore) ListRecallLabels(ctx context.Context, tenantID string) ([]RecallLabel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, vendor_key, account, embedding, labeled_at
		 FROM recall_labels WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list recall labels")
	}
	defer rows.Close()

	var out []RecallLabel
	for rows.Next() {
		var l RecallLabel
		var emb []byte
		if err := rows.Scan(&l.ID, &l.TenantID, &l.VendorKey, &l.Account, &emb, &l.LabeledAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan recall label")
		}
		if err := json.Unmarshal(emb, &l.Embedding); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal embedding")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list recall labels rows")
}

// --- Cold start ---

func (s *PostgresStore) GetColdStart(ctx context.Context, tenantID, vendorKey string) (*model.ColdStartRecord, error) {
	var r model.ColdStartRecord
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, vendor_key, consistent_label_count, last_label, last_updated
		 FROM cold_start WHERE tenant_id = $1 AND vendor_key = $2`, tenantID, vendorKey,
	).Scan(&r.TenantID, &r.VendorKey, &r.ConsistentLabelCount, &r.LastLabel, &r.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get cold start %s", vendorKey)
	}
	return &r, nil
}

func (s *PostgresStore) PutColdStart(ctx context.Context, r model.ColdStartRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cold_start (tenant_id, vendor_key, consistent_label_count, last_label, last_updated)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, vendor_key) DO UPDATE SET
		   consistent_label_count = EXCLUDED.consistent_label_count,
		   last_label = EXCLUDED.last_label,
		   last_updated = EXCLUDED.last_updated`,
		r.TenantID, r.VendorKey, r.ConsistentLabelCount, r.LastLabel, r.LastUpdated.UTC(),
	)
	return eris.Wrapf(err, "postgres: put cold start %s", r.VendorKey)
}

// --- Calibration models ---

func (s *PostgresStore) InsertCalibrationModel(ctx context.Context, m model.CalibrationModel) error {
	bins, err := json.Marshal(m.Bins)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal bins")
	}
	training, err := json.Marshal(m.TrainingVendors)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal training vendors")
	}
	holdout, err := json.Marshal(m.HoldoutVendors)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal holdout vendors")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO calibration_models (id, tenant_id, strategy, model_version, bins, training_vendors, holdout_vendors, fitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.TenantID, string(m.Strategy), m.ModelVersion, bins, training, holdout, m.FittedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert calibration model %s", m.ID)
}

func (s *PostgresStore) ActivateCalibrationModel(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calibration_models SET activated_at = $1 WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: activate calibration model %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ActiveCalibrationModel(ctx context.Context, tenantID string, strategy model.Strategy, modelVersion string) (*model.CalibrationModel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, strategy, model_version, bins, training_vendors, holdout_vendors, fitted_at, activated_at
		 FROM calibration_models
		 WHERE tenant_id = $1 AND strategy = $2 AND model_version = $3 AND activated_at IS NOT NULL
		 ORDER BY activated_at DESC LIMIT 1`,
		tenantID, string(strategy), modelVersion)
	m, err := scanPgCalibrationModel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: active calibration model")
	}
	return m, nil
}

func (s *PostgresStore) ListCalibrationModels(ctx context.Context, tenantID string) ([]model.CalibrationModel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, strategy, model_version, bins, training_vendors, holdout_vendors, fitted_at, activated_at
		 FROM calibration_models WHERE tenant_id = $1 ORDER BY fitted_at DESC`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list calibration models")
	}
	defer rows.Close()

	var out []model.CalibrationModel
	for rows.Next() {
		m, err := scanPgCalibrationModel(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan calibration model")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list calibration models rows")
}

func scanPgCalibrationModel(r pgx.Row) (*model.CalibrationModel, error) {
	var m model.CalibrationModel
	var strategy string
	var bins, training, holdout []byte
	var activated *time.Time
	if err := r.Scan(&m.ID, &m.TenantID, &strategy, &m.ModelVersion,
		&bins, &training, &holdout, &m.FittedAt, &activated); err != nil {
		return nil, err
	}
	m.Strategy = model.Strategy(strategy)
	if err := json.Unmarshal(bins, &m.Bins); err != nil {
		return nil, err
	}
	if len(training) > 0 {
		if err := json.Unmarshal(training, &m.TrainingVendors); err != nil {
			return nil, err
		}
	}
	if len(holdout) > 0 {
		if err := json.Unmarshal(holdout, &m.HoldoutVendors); err != nil {
			return nil, err
		}
	}
	if activated != nil {
		m.ActivatedAt = activated.UTC()
	}
	return &m, nil
}

// --- Export idempotency ---

func (s *PostgresStore) CreateExportRecord(ctx context.Context, tenantID, payloadHash string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO export_records (tenant_id, payload_hash, created_at) VALUES ($1, $2, $3)`,
		tenantID, payloadHash, at.UTC(),
	)
	if isPgUniqueViolation(err) {
		return ErrDuplicateExport
	}
	return eris.Wrapf(err, "postgres: create export record %s", payloadHash)
}

func (s *PostgresStore) FinalizeExportRecord(ctx context.Context, tenantID, payloadHash, externalDoc string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE export_records SET external_doc_id = $1 WHERE tenant_id = $2 AND payload_hash = $3`,
		externalDoc, tenantID, payloadHash,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize export record %s", payloadHash)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetExportRecord(ctx context.Context, tenantID, payloadHash string) (*ExportRecord, error) {
	var r ExportRecord
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, payload_hash, external_doc_id, created_at
		 FROM export_records WHERE tenant_id = $1 AND payload_hash = $2`,
		tenantID, payloadHash,
	).Scan(&r.TenantID, &r.PayloadHash, &r.ExternalDoc, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get export record %s", payloadHash)
	}
	return &r, nil
}

func (s *PostgresStore) DeleteExportRecord(ctx context.Context, tenantID, payloadHash string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM export_records WHERE tenant_id = $1 AND payload_hash = $2`,
		tenantID, payloadHash,
	)
	return eris.Wrapf(err, "postgres: delete export record %s", payloadHash)
}

// --- Spend ledger ---

func (s *PostgresStore) ReserveSpend(ctx context.Context, scope string, day time.Time, amountMicros, capMicros int64, windowDays int) (bool, error) {
	dayKey := day.UTC().Truncate(24 * time.Hour)
	cutoff := dayKey.AddDate(0, 0, -(windowDays - 1))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin spend tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialize reservations per scope. The check-then-add below spans
	// the window's rows, so concurrent reservations under READ COMMITTED
	// could otherwise both pass the cap check.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, scope); err != nil {
		return false, eris.Wrap(err, "postgres: lock spend scope")
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO spend_ledger (scope, day, spent_micros) VALUES ($1, $2, 0)
		 ON CONFLICT (scope, day) DO NOTHING`, scope, dayKey); err != nil {
		return false, eris.Wrap(err, "postgres: seed spend bucket")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE spend_ledger SET spent_micros = spent_micros + $1
		 WHERE scope = $2 AND day = $3
		   AND (SELECT COALESCE(SUM(spent_micros), 0) FROM spend_ledger
		        WHERE scope = $2 AND day >= $4) + $1 <= $5`,
		amountMicros, scope, dayKey, cutoff, capMicros,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: reserve spend")
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: commit spend tx")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseSpend(ctx context.Context, scope string, day time.Time, amountMicros int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE spend_ledger SET spent_micros = GREATEST(spent_micros - $1, 0)
		 WHERE scope = $2 AND day = $3`,
		amountMicros, scope, day.UTC().Truncate(24*time.Hour),
	)
	return eris.Wrap(err, "postgres: release spend")
}

func (s *PostgresStore) SpentMicros(ctx context.Context, scope string, day time.Time, windowDays int) (int64, error) {
	cutoff := day.UTC().Truncate(24 * time.Hour).AddDate(0, 0, -(windowDays - 1))
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(spent_micros), 0) FROM spend_ledger WHERE scope = $1 AND day >= $2`,
		scope, cutoff,
	).Scan(&total)
	return total, eris.Wrap(err, "postgres: spent in window")
}

// --- Reconciliation snapshots ---

func (s *PostgresStore) ReplaceReconciliationSnapshot(ctx context.Context, tenantID, windowKey string, results []model.ReconciliationResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin snapshot tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM reconciliation_results WHERE tenant_id = $1 AND window_key = $2`,
		tenantID, windowKey); err != nil {
		return eris.Wrap(err, "postgres: clear snapshot")
	}

	now := time.Now().UTC()
	rows := make([][]any, len(results))
	for i, r := range results {
		rows[i] = []any{
			tenantID, windowKey, r.TransactionID, r.JournalEntryID, string(r.Status),
			r.ToleranceDays, r.DeltaCents, r.NeedsReview, r.Detail, now,
		}
	}
	if _, err := db.CopyFrom(ctx, tx, "reconciliation_results",
		[]string{"tenant_id", "window_key", "transaction_id", "journal_entry_id", "status",
			"tolerance_days", "delta_cents", "needs_review", "detail", "computed_at"},
		rows,
	); err != nil {
		return eris.Wrap(err, "postgres: copy snapshot rows")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit snapshot")
}

func (s *PostgresStore) GetReconciliationSnapshot(ctx context.Context, tenantID, windowKey string) ([]model.ReconciliationResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT transaction_id, COALESCE(journal_entry_id, ''), status, tolerance_days, delta_cents, needs_review, COALESCE(detail, '')
		 FROM reconciliation_results WHERE tenant_id = $1 AND window_key = $2
		 ORDER BY transaction_id`, tenantID, windowKey)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get snapshot")
	}
	defer rows.Close()

	var out []model.ReconciliationResult
	for rows.Next() {
		var r model.ReconciliationResult
		var status string
		if err := rows.Scan(&r.TransactionID, &r.JournalEntryID, &status, &r.ToleranceDays,
			&r.DeltaCents, &r.NeedsReview, &r.Detail); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot row")
		}
		r.Status = model.MatchStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get snapshot rows")
}
