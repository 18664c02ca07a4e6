package postgres

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/audit"
	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/repository/postgres/pgtest"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(1500 * time.Microsecond)
	return c.now
}

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) New() string { return fmt.Sprintf("00000000-0000-0000-0000-%012d", g.n.Add(1)) }

func newTrail(t *testing.T) (*audit.Trail, *AuditRepo) {
	t.Helper()
	db := pgtest.OpenSQLite(t)
	repo := NewAuditRepo(db)
	h, err := audit.NewHasher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	clock := &stepClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	return audit.NewTrail(repo, h, &seqIDs{}, clock, zap.NewNop(), audit.WithPageSize(4)), repo
}

func record(op, actor string) domain.AuditRecord {
	return domain.AuditRecord{
		OperationName: op,
		ActorID:       actor,
		SanitizedContext: map[string]any{
			"title":    "<b>Release notes",
			"password": "hunter2",
			"amount":   12.5,
			"big":      int64(1)<<60 + 1,
		},
		Outcome:    domain.OutcomeSuccess,
		Severity:   domain.SeverityInfo,
		Snapshot:   domain.SystemSnapshot{MemUsedPercent: 37.123456789, CPUPercent: 1.5, HeapAlloc: 123456, Goroutines: 7, TakenAt: time.Now()},
		DurationMs: 12,
	}
}

func TestAuditRepo_StoredRecordVerifies(t *testing.T) {
	tr, _ := newTrail(t)
	ctx := context.Background()

	rec, err := tr.Record(ctx, record("content.publish", "u-1"))
	require.NoError(t, err)
	require.Positive(t, rec.Seq)

	stored, err := tr.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Seq, stored.Seq)
	assert.True(t, rec.CreatedAt.Equal(stored.CreatedAt))
	assert.NotContains(t, stored.SanitizedContext, "password")
	assert.True(t, tr.Verify(stored))
}

func TestAuditRepo_TamperedColumnsFailVerify(t *testing.T) {
	tamper := map[string]string{
		"sanitized_data": `UPDATE audit_logs SET sanitized_data = replace(sanitized_data, 'Release', 'Relea5e') WHERE id = $1`,
		"actor_id":       `UPDATE audit_logs SET actor_id = 'u-2' WHERE id = $1`,
		"outcome":        `UPDATE audit_logs SET outcome = 'failure' WHERE id = $1`,
		"severity":       `UPDATE audit_logs SET severity = 'warning' WHERE id = $1`,
		"type":           `UPDATE audit_logs SET type = 'content.delete' WHERE id = $1`,
		"meta":           `UPDATE audit_logs SET meta = replace(meta, '"durationMs":12', '"durationMs":13') WHERE id = $1`,
		"hash":           `UPDATE audit_logs SET hash = 'zz' || substr(hash, 3) WHERE id = $1`,
		// однобайтовые правки, которые разбираются в ту же запись
		"meta_key_case":    `UPDATE audit_logs SET meta = replace(meta, '"durationMs"', '"durationms"') WHERE id = $1`,
		"data_escape_case": `UPDATE audit_logs SET sanitized_data = replace(sanitized_data, '\u003c', '\u003C') WHERE id = $1`,
	}

	for name, query := range tamper {
		t.Run(name, func(t *testing.T) {
			tr, repo := newTrail(t)
			ctx := context.Background()

			rec, err := tr.Record(ctx, record("content.publish", "u-1"))
			require.NoError(t, err)

			// прямой доступ к хранилищу в обход триггера
			before := storedRow(t, repo, rec.ID)
			_, err = repo.db.Exec(`DROP TRIGGER audit_logs_no_update`)
			require.NoError(t, err)
			res, err := repo.db.Exec(query, rec.ID)
			require.NoError(t, err)
			n, _ := res.RowsAffected()
			require.Equal(t, int64(1), n)
			require.NotEqual(t, before, storedRow(t, repo, rec.ID), "update must change the row")

			ok, err := tr.VerifyStored(ctx, rec.ID)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestAuditRepo_AppendBatchAboveParameterLimit(t *testing.T) {
	tr, repo := newTrail(t)
	ctx := context.Background()

	// 4000 строк по 9 параметров не помещаются в один запрос SQLite
	batch := make([]domain.AuditRecord, 4000)
	for i := range batch {
		batch[i] = tr.Seal(record("content.publish", fmt.Sprintf("u-%d", i)))
	}
	require.NoError(t, repo.AppendBatch(ctx, batch))

	assert.Equal(t, len(batch), pgtest.CountRows(t, repo.db, `SELECT COUNT(*) FROM audit_logs`))
	ok, err := tr.VerifyStored(ctx, batch[len(batch)-1].ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func storedRow(t *testing.T, repo *AuditRepo, id string) string {
	t.Helper()
	var row string
	err := repo.db.QueryRow(`SELECT type || actor_id || outcome || severity || sanitized_data || meta || hash FROM audit_logs WHERE id = $1`, id).Scan(&row)
	require.NoError(t, err)
	return row
}

func TestAuditRepo_AppendOnly(t *testing.T) {
	tr, repo := newTrail(t)
	ctx := context.Background()
	rec, err := tr.Record(ctx, record("content.publish", "u-1"))
	require.NoError(t, err)

	_, err = repo.db.Exec(`UPDATE audit_logs SET actor_id = 'x' WHERE id = $1`, rec.ID)
	assert.Error(t, err)
	_, err = repo.db.Exec(`DELETE FROM audit_logs WHERE id = $1`, rec.ID)
	assert.Error(t, err)
}

func TestAuditRepo_QueryKeyset(t *testing.T) {
	tr, _ := newTrail(t)
	ctx := context.Background()

	var want []int64
	for i := 0; i < 10; i++ {
		r := record("content.publish", fmt.Sprintf("u-%d", i%3))
		if i%4 == 0 {
			r.Outcome = domain.OutcomeFailure
		}
		rec, err := tr.Record(ctx, r)
		require.NoError(t, err)
		want = append([]int64{rec.Seq}, want...)
	}

	var got []int64
	for rec, err := range tr.Query(ctx, audit.Filter{}) {
		require.NoError(t, err)
		assert.True(t, tr.Verify(rec))
		got = append(got, rec.Seq)
	}
	assert.Equal(t, want, got)

	var failures int
	for rec, err := range tr.Query(ctx, audit.Filter{Outcome: domain.OutcomeFailure}) {
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeFailure, rec.Outcome)
		failures++
	}
	assert.Equal(t, 3, failures)

	var actor []string
	for rec, err := range tr.Query(ctx, audit.Filter{ActorID: "u-1"}) {
		require.NoError(t, err)
		actor = append(actor, rec.ActorID)
	}
	assert.Len(t, actor, 3)
}

func TestAuditRepo_AppendBatchIsIdempotent(t *testing.T) {
	tr, repo := newTrail(t)
	ctx := context.Background()

	batch := []domain.AuditRecord{
		tr.Seal(record("content.publish", "u-1")),
		tr.Seal(record("content.delete", "u-2")),
	}
	require.NoError(t, repo.AppendBatch(ctx, batch))
	require.NoError(t, repo.AppendBatch(ctx, batch))

	assert.Equal(t, 2, pgtest.CountRows(t, repo.db, `SELECT COUNT(*) FROM audit_logs`))
	for _, r := range batch {
		ok, err := tr.VerifyStored(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestAuditRepo_GetMissing(t *testing.T) {
	tr, _ := newTrail(t)
	_, err := tr.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

func TestAuditRepo_Stats(t *testing.T) {
	tr, repo := newTrail(t)
	ctx := context.Background()

	ok := record("content.publish", "u-1")
	bad := record("content.publish", "u-1")
	bad.Outcome = domain.OutcomeFailure
	bad.Severity = domain.SeverityCritical
	for _, r := range []domain.AuditRecord{ok, ok, bad} {
		_, err := tr.Record(ctx, r)
		require.NoError(t, err)
	}

	s, err := repo.Stats(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Failures: 1, Critical: 1}, s)
}
