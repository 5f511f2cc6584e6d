package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/quillbooks/quill/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS transactions (
	id           TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	tx_date      TEXT NOT NULL,
	amount_cents INTEGER NOT NULL,
	currency     TEXT NOT NULL,
	description  TEXT NOT NULL,
	vendor       TEXT NOT NULL,
	source_ref   TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS proposals (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	strategy       TEXT NOT NULL,
	calibrated_p   REAL NOT NULL,
	route          TEXT NOT NULL,
	reason         TEXT,
	payload        TEXT NOT NULL,
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS journal_entries (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	transaction_id TEXT,
	entry_date     TEXT NOT NULL,
	legs           TEXT NOT NULL,
	payload_hash   TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS recall_labels (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	vendor_key TEXT NOT NULL,
	account    TEXT NOT NULL,
	embedding  TEXT NOT NULL,
	labeled_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cold_start (
	tenant_id              TEXT NOT NULL,
	vendor_key             TEXT NOT NULL,
	consistent_label_count INTEGER NOT NULL,
	last_label             TEXT NOT NULL,
	last_updated           DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, vendor_key)
);

CREATE TABLE IF NOT EXISTS calibration_models (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	strategy         TEXT NOT NULL,
	model_version    TEXT NOT NULL,
	bins             TEXT NOT NULL,
	training_vendors TEXT,
	holdout_vendors  TEXT,
	fitted_at        DATETIME NOT NULL,
	activated_at     DATETIME
);

CREATE TABLE IF NOT EXISTS export_records (
	tenant_id       TEXT NOT NULL,
	payload_hash    TEXT NOT NULL,
	external_doc_id TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, payload_hash)
);

CREATE TABLE IF NOT EXISTS spend_ledger (
	scope        TEXT NOT NULL,
	day          TEXT NOT NULL,
	spent_micros INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (scope, day)
);

CREATE TABLE IF NOT EXISTS reconciliation_results (
	tenant_id        TEXT NOT NULL,
	window_key       TEXT NOT NULL,
	transaction_id   TEXT NOT NULL,
	journal_entry_id TEXT,
	status           TEXT NOT NULL,
	tolerance_days   INTEGER NOT NULL,
	delta_cents      INTEGER NOT NULL,
	needs_review     INTEGER NOT NULL,
	detail           TEXT,
	computed_at      DATETIME NOT NULL
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation matches the SQLite unique-constraint error text.
// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_PRIMARYKEY/UNIQUE as a
// wrapped error string.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

const dayFormat = "2006-01-02"

// --- Transactions ---

func (s *SQLiteStore) InsertTransaction(ctx context.Context, tx model.Transaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, tenant_id, tx_date, amount_cents, currency, description, vendor, source_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.TenantID, tx.Date.UTC().Format(dayFormat), tx.AmountCents,
		tx.Currency, tx.Description, tx.Vendor, tx.SourceRef,
	)
	return eris.Wrapf(err, "sqlite: insert transaction %s", tx.ID)
}

func (s *SQLiteStore) GetTransaction(ctx context.Context, tenantID, id string) (*model.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, tx_date, amount_cents, currency, description, vendor, source_ref
		 FROM transactions WHERE tenant_id = ? AND id = ?`, tenantID, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get transaction %s", id)
	}
	return tx, nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, tenantID string, f TxFilter) ([]model.Transaction, error) {
	q := `SELECT id, tenant_id, tx_date, amount_cents, currency, description, vendor, source_ref
	      FROM transactions WHERE tenant_id = ?`
	args := []any{tenantID}
	if !f.From.IsZero() {
		q += ` AND tx_date >= ?`
		args = append(args, f.From.UTC().Format(dayFormat))
	}
	if !f.To.IsZero() {
		q += ` AND tx_date <= ?`
		args = append(args, f.To.UTC().Format(dayFormat))
	}
	q += ` ORDER BY tx_date, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list transactions")
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		out = append(out, *tx)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list transactions rows")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(r rowScanner) (*model.Transaction, error) {
	var tx model.Transaction
	var date string
	var sourceRef sql.NullString
	if err := r.Scan(&tx.ID, &tx.TenantID, &date, &tx.AmountCents,
		&tx.Currency, &tx.Description, &tx.Vendor, &sourceRef); err != nil {
		return nil, err
	}
	d, err := time.Parse(dayFormat, date)
	if err != nil {
		return nil, err
	}
	tx.Date = d
	tx.SourceRef = sourceRef.String
	return &tx, nil
}

// --- Proposals ---

func (s *SQLiteStore) InsertProposal(ctx context.Context, p model.CategorizationProposal) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal proposal")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proposals (id, tenant_id, transaction_id, strategy, calibrated_p, route, reason, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.TransactionID, string(p.Strategy), p.CalibratedP,
		string(p.Route), string(p.NotAutoPostReason), string(payload), p.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert proposal %s", p.ID)
}

func (s *SQLiteStore) LatestProposal(ctx context.Context, tenantID, transactionID string) (*model.CategorizationProposal, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM proposals WHERE tenant_id = ? AND transaction_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, tenantID, transactionID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest proposal for %s", transactionID)
	}
	var p model.CategorizationProposal
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal proposal")
	}
	return &p, nil
}

func (s *SQLiteStore) ListProposals(ctx context.Context, tenantID string, f ProposalFilter) ([]model.CategorizationProposal, error) {
	q := `SELECT payload FROM proposals WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.Route != "" {
		q += ` AND route = ?`
		args = append(args, string(f.Route))
	}
	if !f.CreatedAfter.IsZero() {
		q += ` AND created_at > ?`
		args = append(args, f.CreatedAfter.UTC())
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list proposals")
	}
	defer rows.Close()

	var out []model.CategorizationProposal
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan proposal")
		}
		var p model.CategorizationProposal
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal proposal")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list proposals rows")
}

// --- Journal entries ---

// InsertJournalEntry upserts by id, so re-posting a corrected entry
// replaces its legs. The same payload hash under a fresh id is the
// retry signal and surfaces as ErrDuplicateEntry.
func (s *SQLiteStore) InsertJournalEntry(ctx context.Context, e model.JournalEntry) error {
	legs, err := json.Marshal(e.Legs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal legs")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journal_entries (id, tenant_id, transaction_id, entry_date, legs, payload_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   entry_date = excluded.entry_date,
		   legs = excluded.legs,
		   payload_hash = excluded.payload_hash`,
		e.ID, e.TenantID, e.TransactionID, e.Date.UTC().Format(dayFormat), string(legs), e.PayloadHash(), e.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEntry
	}
	return eris.Wrapf(err, "sqlite: insert journal entry %s", e.ID)
}

func (s *SQLiteStore) GetJournalEntryByHash(ctx context.Context, tenantID, payloadHash string) (*model.JournalEntry, error) {
	var e model.JournalEntry
	var date, legs string
	var txID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, transaction_id, entry_date, legs, created_at
		 FROM journal_entries WHERE tenant_id = ? AND payload_hash = ?`,
		tenantID, payloadHash,
	).Scan(&e.ID, &e.TenantID, &txID, &date, &legs, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get journal entry by hash %s", payloadHash)
	}
	e.TransactionID = txID.String
	d, err := time.Parse(dayFormat, date)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: parse entry date")
	}
	e.Date = d
	if err := json.Unmarshal([]byte(legs), &e.Legs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal legs")
	}
	return &e, nil
}

func (s *SQLiteStore) ListJournalEntries(ctx context.Context, tenantID string, from, to time.Time) ([]model.JournalEntry, error) {
	q := `SELECT id, tenant_id, transaction_id, entry_date, legs, created_at
	      FROM journal_entries WHERE tenant_id = ?`
	args := []any{tenantID}
	if !from.IsZero() {
		q += ` AND entry_date >= ?`
		args = append(args, from.UTC().Format(dayFormat))
	}
	if !to.IsZero() {
		q += ` AND entry_date <= ?`
		args = append(args, to.UTC().Format(dayFormat))
	}
	q += ` ORDER BY entry_date, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list journal entries")
	}
	defer rows.Close()

	var out []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var date, legs string
		var txID sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &txID, &date, &legs, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan journal entry")
		}
		e.TransactionID = txID.String
		d, err := time.Parse(dayFormat, date)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse entry date")
		}
		e.Date = d
		if err := json.Unmarshal([]byte(legs), &e.Legs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal legs")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list journal entries rows")
}

// --- Recall labels ---

func (s *SQLiteStore) InsertRecallLabel(ctx context.Context, l RecallLabel) error {
	emb, err := json.Marshal(l.Embedding)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal embedding")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recall_labels (id, tenant_id, vendor_key, account, embedding, labeled_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.TenantID, l.VendorKey, l.Account, string(emb), l.LabeledAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert recall label %s", l.ID)
}

func (s *SQLiteStore) ListRecallLabels(ctx context.Context, tenantID string) ([]RecallLabel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, vendor_key, account, embedding, labeled_at
		 FROM recall_labels WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list recall labels")
	}
	defer rows.Close()

	var out []RecallLabel
	for rows.Next() {
		var l RecallLabel
		var emb string
		if err := rows.Scan(&l.ID, &l.TenantID, &l.VendorKey, &l.Account, &emb, &l.LabeledAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan recall label")
		}
		if err := json.Unmarshal([]byte(emb), &l.Embedding); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal embedding")
		}
		l.LabeledAt = l.LabeledAt.UTC()
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list recall labels rows")
}

// --- Cold start ---

func (s *SQLiteStore) GetColdStart(ctx context.Context, tenantID, vendorKey string) (*model.ColdStartRecord, error) {
	var r model.ColdStartRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, vendor_key, consistent_label_count, last_label, last_updated
		 FROM cold_start WHERE tenant_id = ? AND vendor_key = ?`, tenantID, vendorKey,
	).Scan(&r.TenantID, &r.VendorKey, &r.ConsistentLabelCount, &r.LastLabel, &r.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cold start %s", vendorKey)
	}
	return &r, nil
}

func (s *SQLiteStore) PutColdStart(ctx context.Context, r model.ColdStartRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cold_start (tenant_id, vendor_key, consistent_label_count, last_label, last_updated)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, vendor_key) DO UPDATE SET
		   consistent_label_count = excluded.consistent_label_count,
		   last_label = excluded.last_label,
		   last_updated = excluded.last_updated`,
		r.TenantID, r.VendorKey, r.ConsistentLabelCount, r.LastLabel, r.LastUpdated.UTC(),
	)
	return eris.Wrapf(err, "sqlite: put cold start %s", r.VendorKey)
}

// --- Calibration models ---

func (s *SQLiteStore) InsertCalibrationModel(ctx context.Context, m model.CalibrationModel) error {
	bins, err := json.Marshal(m.Bins)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal bins")
	}
	training, err := json.Marshal(m.TrainingVendors)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal training vendors")
	}
	holdout, err := json.Marshal(m.HoldoutVendors)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal holdout vendors")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calibration_models (id, tenant_id, strategy, model_version, bins, training_vendors, holdout_vendors, fitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, string(m.Strategy), m.ModelVersion,
		string(bins), string(training), string(holdout), m.FittedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert calibration model %s", m.ID)
}

func (s *SQLiteStore) ActivateCalibrationModel(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calibration_models SET activated_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: activate calibration model %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ActiveCalibrationModel(ctx context.Context, tenantID string, strategy model.Strategy, modelVersion string) (*model.CalibrationModel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, strategy, model_version, bins, training_vendors, holdout_vendors, fitted_at, activated_at
		 FROM calibration_models
		 WHERE tenant_id = ? AND strategy = ? AND model_version = ? AND activated_at IS NOT NULL
		 ORDER BY activated_at DESC LIMIT 1`,
		tenantID, string(strategy), modelVersion)
	m, err := scanCalibrationModel(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: active calibration model")
	}
	return m, nil
}

func (s *SQLiteStore) ListCalibrationModels(ctx context.Context, tenantID string) ([]model.CalibrationModel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, strategy, model_version, bins, training_vendors, holdout_vendors, fitted_at, activated_at
		 FROM calibration_models WHERE tenant_id = ? ORDER BY fitted_at DESC`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list calibration models")
	}
	defer rows.Close()

	var out []model.CalibrationModel
	for rows.Next() {
		m, err := scanCalibrationModel(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan calibration model")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list calibration models rows")
}

func scanCalibrationModel(r rowScanner) (*model.CalibrationModel, error) {
	var m model.CalibrationModel
	var strategy, bins string
	var training, holdout sql.NullString
	var activated sql.NullTime
	if err := r.Scan(&m.ID, &m.TenantID, &strategy, &m.ModelVersion,
		&bins, &training, &holdout, &m.FittedAt, &activated); err != nil {
		return nil, err
	}
	m.Strategy = model.Strategy(strategy)
	if err := json.Unmarshal([]byte(bins), &m.Bins); err != nil {
		return nil, err
	}
	if training.Valid && training.String != "" {
		if err := json.Unmarshal([]byte(training.String), &m.TrainingVendors); err != nil {
			return nil, err
		}
	}
	if holdout.Valid && holdout.String != "" {
		if err := json.Unmarshal([]byte(holdout.String), &m.HoldoutVendors); err != nil {
			return nil, err
		}
	}
	if activated.Valid {
		m.ActivatedAt = activated.Time.UTC()
	}
	return &m, nil
}

// --- Export idempotency ---

func (s *SQLiteStore) CreateExportRecord(ctx context.Context, tenantID, payloadHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO export_records (tenant_id, payload_hash, created_at) VALUES (?, ?, ?)`,
		tenantID, payloadHash, at.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateExport
	}
	return eris.Wrapf(err, "sqlite: create export record %s", payloadHash)
}

func (s *SQLiteStore) FinalizeExportRecord(ctx context.Context, tenantID, payloadHash, externalDoc string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE export_records SET external_doc_id = ? WHERE tenant_id = ? AND payload_hash = ?`,
		externalDoc, tenantID, payloadHash,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize export record %s", payloadHash)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetExportRecord(ctx context.Context, tenantID, payloadHash string) (*ExportRecord, error) {
	var r ExportRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, payload_hash, external_doc_id, created_at
		 FROM export_records WHERE tenant_id = ? AND payload_hash = ?`,
		tenantID, payloadHash,
	).Scan(&r.TenantID, &r.PayloadHash, &r.ExternalDoc, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get export record %s", payloadHash)
	}
	return &r, nil
}

func (s *SQLiteStore) DeleteExportRecord(ctx context.Context, tenantID, payloadHash string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM export_records WHERE tenant_id = ? AND payload_hash = ?`,
		tenantID, payloadHash,
	)
	return eris.Wrapf(err, "sqlite: delete export record %s", payloadHash)
}

// --- Spend ledger ---

// ReserveSpend adds to the scope's current-day bucket only if the
// rolling-window total (including this reservation) stays within the
// cap. The compare happens inside the UPDATE, so two concurrent
// reservations cannot both pass a cap that only admits one.
func (s *SQLiteStore) ReserveSpend(ctx context.Context, scope string, day time.Time, amountMicros, capMicros int64, windowDays int) (bool, error) {
	dayKey := day.UTC().Format(dayFormat)
	cutoff := day.UTC().AddDate(0, 0, -(windowDays - 1)).Format(dayFormat)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO spend_ledger (scope, day, spent_micros) VALUES (?, ?, 0)
		 ON CONFLICT (scope, day) DO NOTHING`, scope, dayKey); err != nil {
		return false, eris.Wrap(err, "sqlite: seed spend bucket")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE spend_ledger SET spent_micros = spent_micros + ?
		 WHERE scope = ? AND day = ?
		   AND (SELECT COALESCE(SUM(spent_micros), 0) FROM spend_ledger
		        WHERE scope = ? AND day >= ?) + ? <= ?`,
		amountMicros, scope, dayKey, scope, cutoff, amountMicros, capMicros,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: reserve spend")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseSpend(ctx context.Context, scope string, day time.Time, amountMicros int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE spend_ledger
		 SET spent_micros = CASE WHEN spent_micros > ? THEN spent_micros - ? ELSE 0 END
		 WHERE scope = ? AND day = ?`,
		amountMicros, amountMicros, scope, day.UTC().Format(dayFormat),
	)
	return eris.Wrap(err, "sqlite: release spend")
}

func (s *SQLiteStore) SpentMicros(ctx context.Context, scope string, day time.Time, windowDays int) (int64, error) {
	cutoff := day.UTC().AddDate(0, 0, -(windowDays - 1)).Format(dayFormat)
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(spent_micros), 0) FROM spend_ledger WHERE scope = ? AND day >= ?`,
		scope, cutoff,
	).Scan(&total)
	return total, eris.Wrap(err, "sqlite: spent in window")
}

// --- Reconciliation snapshots ---

func (s *SQLiteStore) ReplaceReconciliationSnapshot(ctx context.Context, tenantID, windowKey string, results []model.ReconciliationResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin snapshot tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM reconciliation_results WHERE tenant_id = ? AND window_key = ?`,
		tenantID, windowKey); err != nil {
		return eris.Wrap(err, "sqlite: clear snapshot")
	}

	now := time.Now().UTC()
	for _, r := range results {
		needsReview := 0
		if r.NeedsReview {
			needsReview = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reconciliation_results
			 (tenant_id, window_key, transaction_id, journal_entry_id, status, tolerance_days, delta_cents, needs_review, detail, computed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tenantID, windowKey, r.TransactionID, r.JournalEntryID, string(r.Status),
			r.ToleranceDays, r.DeltaCents, needsReview, r.Detail, now,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert snapshot row")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit snapshot")
}

func (s *SQLiteStore) GetReconciliationSnapshot(ctx context.Context, tenantID, windowKey string) ([]model.ReconciliationResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT transaction_id, journal_entry_id, status, tolerance_days, delta_cents, needs_review, detail
		 FROM reconciliation_results WHERE tenant_id = ? AND window_key = ?
		 ORDER BY transaction_id`, tenantID, windowKey)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get snapshot")
	}
	defer rows.Close()

	var out []model.ReconciliationResult
	for rows.Next() {
		var r model.ReconciliationResult
		var status string
		var entryID, detail sql.NullString
		var needsReview int
		if err := rows.Scan(&r.TransactionID, &entryID, &status, &r.ToleranceDays,
			&r.DeltaCents, &needsReview, &detail); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot row")
		}
		r.JournalEntryID = entryID.String
		r.Status = model.MatchStatus(status)
		r.NeedsReview = needsReview == 1
		r.Detail = detail.String
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get snapshot rows")
}
