package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/sokohub/sentinel/internal/idgen"
)

// PostgresStore implements AlertStore, BlacklistStore, HistoryStore, and
// ActivityLogStore with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed fraud store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the fraud tables. The partial unique index on
// fraud_blacklist enforces at most one active entry per entity.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_alerts (
			id           VARCHAR(40) PRIMARY KEY,
			actor        VARCHAR(255) NOT NULL DEFAULT '',
			alert_type   VARCHAR(64) NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			score        DOUBLE PRECISION NOT NULL DEFAULT 0,
			status       VARCHAR(16) NOT NULL DEFAULT 'ACTIVE',
			resolution   TEXT,
			resolved_by  VARCHAR(255),
			resolved_at  TIMESTAMPTZ,
			metadata     JSONB,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_alerts_status  ON fraud_alerts(status);
		CREATE INDEX IF NOT EXISTS idx_fraud_alerts_actor   ON fraud_alerts(actor);
		CREATE INDEX IF NOT EXISTS idx_fraud_alerts_created ON fraud_alerts(created_at DESC);

		CREATE TABLE IF NOT EXISTS fraud_blacklist (
			id           VARCHAR(40) PRIMARY KEY,
			entity_type  VARCHAR(32) NOT NULL,
			entity_value VARCHAR(255) NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			added_by     VARCHAR(255) NOT NULL DEFAULT '',
			expires_at   TIMESTAMPTZ,
			active       BOOLEAN NOT NULL DEFAULT TRUE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_fraud_blacklist_active
			ON fraud_blacklist(entity_type, entity_value) WHERE active;

		CREATE TABLE IF NOT EXISTS fraud_locations (
			actor      VARCHAR(255) PRIMARY KEY,
			country    VARCHAR(64) NOT NULL DEFAULT '',
			city       VARCHAR(128) NOT NULL DEFAULT '',
			lat        DOUBLE PRECISION NOT NULL,
			lng        DOUBLE PRECISION NOT NULL,
			seen_at    TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS fraud_devices (
			actor       VARCHAR(255) NOT NULL,
			fingerprint VARCHAR(128) NOT NULL,
			first_seen  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (actor, fingerprint)
		);

		CREATE TABLE IF NOT EXISTS fraud_amounts (
			id            BIGSERIAL PRIMARY KEY,
			actor         VARCHAR(255) NOT NULL,
			activity_type VARCHAR(32) NOT NULL,
			amount        DOUBLE PRECISION NOT NULL,
			observed_at   TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_amounts_actor ON fraud_amounts(actor, activity_type);

		CREATE TABLE IF NOT EXISTS fraud_activity_log (
			id            VARCHAR(40) PRIMARY KEY,
			actor         VARCHAR(255) NOT NULL DEFAULT '',
			activity_type VARCHAR(32) NOT NULL,
			ip            VARCHAR(45) NOT NULL DEFAULT '',
			outcome       VARCHAR(8) NOT NULL,
			score         DOUBLE PRECISION NOT NULL DEFAULT 0,
			reasons       TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_activity_actor   ON fraud_activity_log(actor);
		CREATE INDEX IF NOT EXISTS idx_fraud_activity_created ON fraud_activity_log(created_at DESC);
	`)
	return err
}

// --- AlertStore ---

func (p *PostgresStore) CreateAlert(ctx context.Context, alert *FraudAlert) error {
	if alert.ID == "" {
		alert.ID = idgen.WithPrefix("alert_")
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	if alert.Status == "" {
		alert.Status = AlertActive
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_alerts (id, actor, alert_type, description, score, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, alert.ID, alert.Actor, alert.AlertType, alert.Description, alert.Score,
		alert.Status, encodeMetadata(alert.Metadata), alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAlert(ctx context.Context, id string) (*FraudAlert, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, actor, alert_type, description, score, status,
		       COALESCE(resolution, ''), COALESCE(resolved_by, ''), resolved_at,
		       COALESCE(metadata::TEXT, ''), created_at
		FROM fraud_alerts WHERE id = $1
	`, id)
	return scanAlert(row)
}

func (p *PostgresStore) ResolveAlert(ctx context.Context, id, resolution, resolvedBy string) (*FraudAlert, error) {
	// No-op when already resolved; the original resolution is kept.
	_, err := p.db.ExecContext(ctx, `
		UPDATE fraud_alerts
		SET status = 'RESOLVED', resolution = $2, resolved_by = $3, resolved_at = NOW()
		WHERE id = $1 AND status = 'ACTIVE'
	`, id, resolution, resolvedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}
	return p.GetAlert(ctx, id)
}

func (p *PostgresStore) ListAlerts(ctx context.Context, status AlertStatus, limit int) ([]*FraudAlert, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, actor, alert_type, description, score, status,
		       COALESCE(resolution, ''), COALESCE(resolved_by, ''), resolved_at,
		       COALESCE(metadata::TEXT, ''), created_at
		FROM fraud_alerts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*FraudAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func (p *PostgresStore) AlertStats(ctx context.Context) (*AlertStats, error) {
	stats := &AlertStats{ByType: make(map[string]int64)}

	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'ACTIVE'),
		       COUNT(*) FILTER (WHERE status = 'RESOLVED')
		FROM fraud_alerts
	`).Scan(&stats.Active, &stats.Resolved)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT alert_type, COUNT(*) FROM fraud_alerts GROUP BY alert_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var alertType string
		var count int64
		if err := rows.Scan(&alertType, &count); err != nil {
			return nil, err
		}
		stats.ByType[alertType] = count
	}
	return stats, rows.Err()
}

// --- BlacklistStore ---

func (p *PostgresStore) Add(ctx context.Context, entry *BlacklistEntry) error {
	if entry.ID == "" {
		entry.ID = idgen.WithPrefix("bl_")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.Active = true

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_blacklist (id, entity_type, entity_value, reason, added_by, expires_at, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
	`, entry.ID, entry.EntityType, entry.EntityValue, entry.Reason, entry.AddedBy, entry.ExpiresAt, entry.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrBlacklistExists
		}
		return fmt.Errorf("failed to insert blacklist entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) Deactivate(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE fraud_blacklist SET active = FALSE WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBlacklistNotFound
	}
	return nil
}

func (p *PostgresStore) FindActive(ctx context.Context, entityType EntityType, value string) (*BlacklistEntry, error) {
	entry := &BlacklistEntry{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_value, reason, added_by, expires_at, active, created_at
		FROM fraud_blacklist
		WHERE entity_type = $1 AND entity_value = $2 AND active
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, entityType, value).Scan(
		&entry.ID, &entry.EntityType, &entry.EntityValue, &entry.Reason,
		&entry.AddedBy, &entry.ExpiresAt, &entry.Active, &entry.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (p *PostgresStore) ListEntries(ctx context.Context, activeOnly bool, limit int) ([]*BlacklistEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, entity_type, entity_value, reason, added_by, expires_at, active, created_at
		FROM fraud_blacklist`
	if activeOnly {
		query += ` WHERE active`
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*BlacklistEntry
	for rows.Next() {
		entry := &BlacklistEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.EntityType, &entry.EntityValue, &entry.Reason,
			&entry.AddedBy, &entry.ExpiresAt, &entry.Active, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// --- HistoryStore ---

func (p *PostgresStore) LastLocation(ctx context.Context, actor string) (*LocationRecord, error) {
	loc := &LocationRecord{}
	err := p.db.QueryRowContext(ctx, `
		SELECT country, city, lat, lng, seen_at FROM fraud_locations WHERE actor = $1
	`, actor).Scan(&loc.Country, &loc.City, &loc.Lat, &loc.Lng, &loc.At)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return loc, nil
}

func (p *PostgresStore) RecordLocation(ctx context.Context, actor string, loc *LocationRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_locations (actor, country, city, lat, lng, seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (actor) DO UPDATE SET
			country = EXCLUDED.country,
			city    = EXCLUDED.city,
			lat     = EXCLUDED.lat,
			lng     = EXCLUDED.lng,
			seen_at = EXCLUDED.seen_at
	`, actor, loc.Country, loc.City, loc.Lat, loc.Lng, loc.At)
	return err
}

func (p *PostgresStore) IsKnownDevice(ctx context.Context, actor, fingerprint string) (bool, error) {
	var known bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM fraud_devices WHERE actor = $1 AND fingerprint = $2)
	`, actor, fingerprint).Scan(&known)
	return known, err
}

func (p *PostgresStore) RecordDevice(ctx context.Context, actor, fingerprint string, seen time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_devices (actor, fingerprint, first_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (actor, fingerprint) DO NOTHING
	`, actor, fingerprint, seen)
	return err
}

func (p *PostgresStore) AverageAmount(ctx context.Context, actor string, activityType ActivityType) (float64, int64, error) {
	var avg sql.NullFloat64
	var samples int64
	err := p.db.QueryRowContext(ctx, `
		SELECT AVG(amount), COUNT(*) FROM fraud_amounts
		WHERE actor = $1 AND activity_type = $2
	`, actor, activityType).Scan(&avg, &samples)
	if err != nil {
		return 0, 0, err
	}
	return avg.Float64, samples, nil
}

func (p *PostgresStore) RecordAmount(ctx context.Context, actor string, activityType ActivityType, amount float64, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_amounts (actor, activity_type, amount, observed_at)
		VALUES ($1, $2, $3, $4)
	`, actor, activityType, amount, at)
	return err
}

// --- ActivityLogStore ---

func (p *PostgresStore) AppendActivity(ctx context.Context, entry *ActivityLogEntry) error {
	if entry.ID == "" {
		entry.ID = idgen.WithPrefix("act_")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_activity_log (id, actor, activity_type, ip, outcome, score, reasons, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.Actor, entry.Type, entry.IP, entry.Outcome, entry.Score, entry.Reasons, entry.CreatedAt)
	return err
}

func (p *PostgresStore) ListActivity(ctx context.Context, actor string, limit int) ([]*ActivityLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, actor, activity_type, ip, outcome, score, COALESCE(reasons, ''), created_at
		FROM fraud_activity_log`
	args := []any{}
	if actor != "" {
		query += ` WHERE actor = $1`
		args = append(args, actor)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ActivityLogEntry
	for rows.Next() {
		entry := &ActivityLogEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.Actor, &entry.Type, &entry.IP,
			&entry.Outcome, &entry.Score, &entry.Reasons, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*FraudAlert, error) {
	alert := &FraudAlert{}
	var metadata string
	err := row.Scan(
		&alert.ID, &alert.Actor, &alert.AlertType, &alert.Description,
		&alert.Score, &alert.Status, &alert.Resolution, &alert.ResolvedBy,
		&alert.ResolvedAt, &metadata, &alert.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	alert.Metadata = decodeMetadata(metadata)
	return alert, nil
}

func encodeMetadata(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(raw)
}

func decodeMetadata(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
