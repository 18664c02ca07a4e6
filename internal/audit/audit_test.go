package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/domain"
)

const testKey = "0123456789abcdef0123456789abcdef"

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now каждый вызов сдвигает время, чтобы у записей был строгий порядок.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) New() string { return fmt.Sprintf("rec-%04d", g.n.Add(1)) }

// flakyStore отказывает, пока failing == true.
type flakyStore struct {
	*MemoryStore
	failing atomic.Bool
	calls   atomic.Int64
}

var errDown = errors.New("connection refused")

func (s *flakyStore) Append(ctx context.Context, rec domain.AuditRecord) (int64, error) {
	s.calls.Add(1)
	if s.failing.Load() {
		return 0, errDown
	}
	return s.MemoryStore.Append(ctx, rec)
}

func (s *flakyStore) AppendBatch(ctx context.Context, recs []domain.AuditRecord) error {
	if s.failing.Load() {
		return errDown
	}
	return s.MemoryStore.AppendBatch(ctx, recs)
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (a *alertRecorder) Notify(_ context.Context, al domain.Alert) {
	a.mu.Lock()
	a.alerts = append(a.alerts, al)
	a.mu.Unlock()
}

func newTrail(t *testing.T, store Store, opts ...Option) *Trail {
	t.Helper()
	h, err := NewHasher([]byte(testKey))
	require.NoError(t, err)
	clock := &stepClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	return NewTrail(store, h, &seqIDs{}, clock, zap.NewNop(), opts...)
}

func sampleRecord() domain.AuditRecord {
	return domain.AuditRecord{
		OperationName: "content.publish",
		ActorID:       "u-42",
		SanitizedContext: map[string]any{
			"title":    "Release notes",
			"password": "hunter2",
			"nested":   map[string]any{"api_token": "t0k", "count": 3, "ratio": 0.25},
			"items":    []any{map[string]any{"Secret": "x", "id": int64(1) << 60}},
		},
		Outcome:  domain.OutcomeSuccess,
		Severity: domain.SeverityInfo,
		Tags:     []string{"nested"},
		Snapshot: domain.SystemSnapshot{MemUsedPercent: 41.5, CPUPercent: 3.25, HeapAlloc: 1 << 20, Goroutines: 12},
	}
}

func TestSanitize(t *testing.T) {
	in := map[string]any{
		"username":       "alice",
		"Password":       "p",
		"refresh_TOKEN":  "r",
		"clientSecret":   "s",
		"profile":        map[string]any{"email": "a@b.c", "secret_q": "q"},
		"list":           []any{map[string]any{"token": "t", "ok": true}, "plain"},
		"headers":        map[string]string{"Authorization": "Bearer", "X-Api-Token": "t"},
		"passwordless":   true,
		"not_sensitive!": 1,
	}

	out := Sanitize(in)

	assert.Equal(t, map[string]any{
		"username":       "alice",
		"profile":        map[string]any{"email": "a@b.c"},
		"list":           []any{map[string]any{"ok": true}, "plain"},
		"headers":        map[string]any{"Authorization": "Bearer"},
		"not_sensitive!": 1,
	}, out)
	// исходная мапа не тронута
	assert.Contains(t, in, "Password")
	assert.Contains(t, in["profile"].(map[string]any), "secret_q")
}

func TestTrail_RecordVerifies(t *testing.T) {
	store := NewMemoryStore()
	tr := newTrail(t, store)
	ctx := context.Background()

	rec, err := tr.Record(ctx, sampleRecord())
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Hash)
	assert.Equal(t, int64(1), rec.Seq)
	assert.NotContains(t, rec.SanitizedContext, "password")

	assert.True(t, tr.Verify(rec))

	stored, err := tr.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, tr.Verify(stored))

	ok, err := tr.VerifyStored(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTrail_AnyFieldMutationFailsVerify(t *testing.T) {
	tr := newTrail(t, NewMemoryStore())
	rec, err := tr.Record(context.Background(), sampleRecord())
	require.NoError(t, err)
	require.True(t, tr.Verify(rec))

	mutations := map[string]func(r *domain.AuditRecord){
		"id":        func(r *domain.AuditRecord) { r.ID = "other" },
		"type":      func(r *domain.AuditRecord) { r.OperationName = "content.delete" },
		"actor":     func(r *domain.AuditRecord) { r.ActorID = "u-43" },
		"outcome":   func(r *domain.AuditRecord) { r.Outcome = domain.OutcomeFailure },
		"severity":  func(r *domain.AuditRecord) { r.Severity = domain.SeverityHigh },
		"errorKind": func(r *domain.AuditRecord) { r.ErrorKind = domain.KindIntegrityError },
		"errorType": func(r *domain.AuditRecord) { r.ErrorType = "x" },
		"tags":      func(r *domain.AuditRecord) { r.Tags = nil },
		"snapshot":  func(r *domain.AuditRecord) { r.Snapshot.Goroutines++ },
		"duration":  func(r *domain.AuditRecord) { r.DurationMs++ },
		"createdAt": func(r *domain.AuditRecord) { r.CreatedAt = r.CreatedAt.Add(time.Microsecond) },
		"data":      func(r *domain.AuditRecord) { r.SanitizedContext["title"] = "Release notez" },
		"nested": func(r *domain.AuditRecord) {
			r.SanitizedContext["nested"].(map[string]any)["count"] = 4
		},
		"hash": func(r *domain.AuditRecord) {
			b := []byte(r.Hash)
			if b[0] == 'a' {
				b[0] = 'b'
			} else {
				b[0] = 'a'
			}
			r.Hash = string(b)
		},
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cp := cloneRecord(rec)
			mutate(&cp)
			assert.False(t, tr.Verify(cp))
		})
	}
}

func TestHasher_KeyMatters(t *testing.T) {
	_, err := NewHasher([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakKey)

	tr := newTrail(t, NewMemoryStore())
	rec, err := tr.Record(context.Background(), sampleRecord())
	require.NoError(t, err)

	other, err := NewHasher([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	assert.False(t, other.Verify(rec))
}

func TestTrail_QueryPagesNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	tr := newTrail(t, store, WithPageSize(3))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		r := sampleRecord()
		r.ActorID = fmt.Sprintf("u-%d", i%2)
		_, err := tr.Record(ctx, r)
		require.NoError(t, err)
	}

	var seqs []int64
	for rec, err := range tr.Query(ctx, Filter{}) {
		require.NoError(t, err)
		seqs = append(seqs, rec.Seq)
	}
	assert.Equal(t, []int64{8, 7, 6, 5, 4, 3, 2, 1}, seqs)

	// повторный проход дает ту же последовательность
	var again []int64
	for rec, err := range tr.Query(ctx, Filter{}) {
		require.NoError(t, err)
		again = append(again, rec.Seq)
	}
	assert.Equal(t, seqs, again)

	var actor []int64
	for rec, err := range tr.Query(ctx, Filter{ActorID: "u-1"}) {
		require.NoError(t, err)
		actor = append(actor, rec.Seq)
	}
	assert.Equal(t, []int64{8, 6, 4, 2}, actor)

	// ранний выход не читает лишних страниц
	n := 0
	for range tr.Query(ctx, Filter{}) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestTrail_DegradedSpoolsAndAlerts(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failing.Store(true)

	spool := NewSpool(store, 10, 10*time.Millisecond, zap.NewNop())
	spool.Start()
	alerts := &alertRecorder{}
	tr := newTrail(t, store, WithSpool(spool), WithNotifier(alerts), WithRetryDelay(time.Millisecond))

	rec, err := tr.Record(context.Background(), sampleRecord())
	require.ErrorIs(t, err, ErrDegraded)
	assert.Equal(t, int64(3), store.calls.Load())
	assert.NotEmpty(t, rec.Hash)

	alerts.mu.Lock()
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, "audit_degraded", alerts.alerts[0].Metric)
	assert.Equal(t, domain.SeverityCritical, alerts.alerts[0].Severity)
	alerts.mu.Unlock()

	assert.Empty(t, store.All())

	// хранилище вернулось — спул досылает запись
	store.failing.Store(false)
	require.Eventually(t, func() bool { return len(store.All()) == 1 }, time.Second, 5*time.Millisecond)
	spool.Stop()

	got := store.All()[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.True(t, tr.Verify(got))
	assert.Zero(t, spool.Depth())
}

func TestSpool_StopDrains(t *testing.T) {
	store := NewMemoryStore()
	spool := NewSpool(store, 1000, time.Hour, zap.NewNop())
	spool.Start()

	tr := newTrail(t, store)
	for i := 0; i < 250; i++ {
		require.True(t, spool.Enqueue(tr.Seal(sampleRecord())))
	}
	spool.Stop()

	assert.Len(t, store.All(), 250)
	assert.False(t, spool.Enqueue(sampleRecord()))
}

// boundedWriter отказывает, пока failing == true, и всегда отказывает
// на пачках больше limit (как драйвер на лимите параметров).
type boundedWriter struct {
	*MemoryStore
	limit   int
	failing atomic.Bool
	largest atomic.Int64
}

func (w *boundedWriter) AppendBatch(ctx context.Context, recs []domain.AuditRecord) error {
	if n := int64(len(recs)); n > w.largest.Load() {
		w.largest.Store(n)
	}
	if w.failing.Load() {
		return errDown
	}
	if len(recs) > w.limit {
		return fmt.Errorf("too many parameters: %d rows", len(recs))
	}
	return w.MemoryStore.AppendBatch(ctx, recs)
}

func TestSpool_BacklogDrainsAfterOutage(t *testing.T) {
	w := &boundedWriter{MemoryStore: NewMemoryStore(), limit: 500}
	w.failing.Store(true)

	spool := NewSpool(w, 5000, 5*time.Millisecond, zap.NewNop())
	spool.Start()

	tr := newTrail(t, NewMemoryStore())
	for i := 0; i < 4000; i++ {
		require.True(t, spool.Enqueue(tr.Seal(sampleRecord())))
	}
	require.Eventually(t, func() bool { return spool.Depth() == 4000 }, time.Second, 5*time.Millisecond)

	// хранилище вернулось: весь хвост досылается, хотя он больше допустимой пачки
	w.failing.Store(false)
	require.Eventually(t, func() bool { return len(w.All()) == 4000 }, 5*time.Second, 10*time.Millisecond)
	spool.Stop()

	assert.Zero(t, spool.Depth())
	assert.LessOrEqual(t, w.largest.Load(), int64(spoolBatchSize))
}
