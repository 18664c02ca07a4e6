package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/opgate/internal/audit"
	"github.com/xela07ax/opgate/internal/domain"
)

const auditColumns = "seq, id, type, actor_id, outcome, severity, sanitized_data, meta, created_at, hash"

// AuditRepo: журнал только на добавление. Пишет мимо транзакции операции:
// запись аудита — отдельная единица надежности.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) Append(ctx context.Context, rec domain.AuditRecord) (int64, error) {
	data, meta, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}

	var seq int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (id, type, actor_id, outcome, severity, sanitized_data, meta, created_at, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq`,
		rec.ID, rec.OperationName, rec.ActorID, string(rec.Outcome), rec.Severity.String(),
		data, meta, rec.CreatedAt, rec.Hash,
	).Scan(&seq)
	if err != nil {
		return 0, Classify(fmt.Errorf("append audit: %w", err))
	}
	return seq, nil
}

// maxBatchRows держит число параметров запроса (9 на строку) ниже лимитов
// Postgres (65535) и SQLite (32766).
const maxBatchRows = 1000

// AppendBatch: пакетная вставка (досылка из спула), не больше maxBatchRows строк на запрос.
// Повтор уже записанной пачки не дублирует записи: конфликт по id пропускается.
func (r *AuditRepo) AppendBatch(ctx context.Context, recs []domain.AuditRecord) error {
	for len(recs) > 0 {
		n := min(len(recs), maxBatchRows)
		if err := r.appendRows(ctx, recs[:n]); err != nil {
			return err
		}
		recs = recs[n:]
	}
	return nil
}

func (r *AuditRepo) appendRows(ctx context.Context, recs []domain.AuditRecord) error {
	const numFields = 9
	var sb strings.Builder
	vals := make([]any, 0, len(recs)*numFields)

	for i, rec := range recs {
		data, meta, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		p := i * numFields
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)
		vals = append(vals,
			rec.ID, rec.OperationName, rec.ActorID, string(rec.Outcome), rec.Severity.String(),
			data, meta, rec.CreatedAt, rec.Hash,
		)
	}

	query := "INSERT INTO audit_logs (id, type, actor_id, outcome, severity, sanitized_data, meta, created_at, hash) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return Classify(fmt.Errorf("append audit batch: %w", err))
	}
	return nil
}

func (r *AuditRepo) Get(ctx context.Context, id string) (domain.AuditRecord, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+auditColumns+" FROM audit_logs WHERE id = $1", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AuditRecord{}, audit.ErrNotFound
	}
	return rec, err
}

// Page: keyset пагинация по (created_at DESC, seq DESC).
func (r *AuditRepo) Page(ctx context.Context, f audit.Filter, after *audit.Cursor, limit int) ([]domain.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ActorID != "" {
		where = append(where, "actor_id = "+arg(f.ActorID))
	}
	if f.OperationName != "" {
		where = append(where, "type = "+arg(f.OperationName))
	}
	if f.Outcome != "" {
		where = append(where, "outcome = "+arg(string(f.Outcome)))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= "+arg(domain.NormalizeTime(f.Since)))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < "+arg(domain.NormalizeTime(f.Until)))
	}
	if after != nil {
		ts := arg(after.CreatedAt)
		where = append(where, fmt.Sprintf("(created_at < %s OR (created_at = %s AND seq < %s))", ts, ts, arg(after.Seq)))
	}

	query := "SELECT " + auditColumns + " FROM audit_logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, seq DESC LIMIT " + arg(limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(fmt.Errorf("query audit: %w", err))
	}
	defer rows.Close()

	out := make([]domain.AuditRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(fmt.Errorf("query audit: %w", err))
	}
	return out, nil
}

// Stats: сводка журнала за окно для консоли.
type Stats struct {
	Total    int64 `json:"total"`
	Failures int64 `json:"failures"`
	Critical int64 `json:"critical"`
}

func (r *AuditRepo) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var s Stats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'failure' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN severity = 'critical' THEN 1 ELSE 0 END), 0)
		FROM audit_logs
		WHERE created_at >= $1`, domain.NormalizeTime(since)).Scan(&s.Total, &s.Failures, &s.Critical)
	if err != nil {
		return Stats{}, Classify(fmt.Errorf("audit stats: %w", err))
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.AuditRecord, error) {
	var (
		rec                       domain.AuditRecord
		id, actorID, outcome, sev string
		data, meta                string
	)
	err := row.Scan(&rec.Seq, &id, &rec.OperationName, &actorID, &outcome, &sev,
		&data, &meta, &rec.CreatedAt, &rec.Hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, Classify(fmt.Errorf("scan audit: %w", err))
	}

	rec.SanitizedContext, err = audit.DecodeData([]byte(data))
	if err != nil {
		return rec, err
	}
	var m audit.Meta
	if err := json.Unmarshal([]byte(meta), &m); err != nil {
		return rec, fmt.Errorf("postgres: decode audit meta: %w", err)
	}

	// Подпись считается по разобранной записи, поэтому разбор обязан быть
	// однозначным: другой регистр ключей или другое экранирование дают ту же
	// запись из других байт. Такие строки помечаются и не проходят Verify.
	rec.Noncanonical = !isCanonicalData(data) || !isCanonicalMeta(meta, m)

	m.RecordID, m.ActorID, m.Outcome, m.Severity = id, actorID, domain.Outcome(outcome), sev
	if err := m.Apply(&rec); err != nil {
		return rec, fmt.Errorf("postgres: decode audit meta: %w", err)
	}
	rec.CreatedAt = domain.NormalizeTime(rec.CreatedAt)
	return rec, nil
}

func isCanonicalData(stored string) bool {
	canon, err := domain.Canonicalize([]byte(stored))
	return err == nil && string(canon) == stored
}

// isCanonicalMeta: stored должен совпасть с повторной сериализацией того, что из него разобрано.
func isCanonicalMeta(stored string, m audit.Meta) bool {
	raw, err := json.Marshal(m)
	return err == nil && string(raw) == stored
}

func encodeRecord(rec domain.AuditRecord) (data, meta string, err error) {
	sanitized := rec.SanitizedContext
	if sanitized == nil {
		sanitized = map[string]any{}
	}
	rawData, err := domain.CanonicalJSON(sanitized)
	if err != nil {
		return "", "", fmt.Errorf("postgres: encode audit data: %w", err)
	}
	// поля, у которых есть своя колонка, в meta не дублируются
	m := audit.MetaOf(rec)
	m.RecordID, m.ActorID, m.Outcome, m.Severity = "", "", "", ""
	rawMeta, err := json.Marshal(m)
	if err != nil {
		return "", "", fmt.Errorf("postgres: encode audit meta: %w", err)
	}
	return string(rawData), string(rawMeta), nil
}
