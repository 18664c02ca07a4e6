package audit

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/opgate/internal/domain"
)

// ErrWeakKey: ключ HMAC короче 32 байт.
var ErrWeakKey = errors.New("audit: hmac key must be at least 32 bytes")

// Meta: служебная часть записи, которая входит в хеш (auditTrailMeta).
// Хранится отдельной JSON колонкой.
type Meta struct {
	RecordID   string                `json:"recordId,omitempty"`
	ActorID    string                `json:"actorId,omitempty"`
	Outcome    domain.Outcome        `json:"outcome,omitempty"`
	Severity   string                `json:"severity,omitempty"`
	ErrorKind  domain.ErrorKind      `json:"errorKind,omitempty"`
	ErrorType  string                `json:"errorType,omitempty"`
	Tags       []string              `json:"tags,omitempty"`
	Snapshot   domain.SystemSnapshot `json:"snapshot"`
	DurationMs int64                 `json:"durationMs"`
}

// MetaOf извлекает Meta из записи.
func MetaOf(rec domain.AuditRecord) Meta {
	return Meta{
		RecordID:   rec.ID,
		ActorID:    rec.ActorID,
		Outcome:    rec.Outcome,
		Severity:   rec.Severity.String(),
		ErrorKind:  rec.ErrorKind,
		ErrorType:  rec.ErrorType,
		Tags:       rec.Tags,
		Snapshot:   rec.Snapshot,
		DurationMs: rec.DurationMs,
	}
}

// Apply переносит Meta обратно в запись (чтение из хранилища).
func (m Meta) Apply(rec *domain.AuditRecord) error {
	sev, err := domain.ParseSeverity(m.Severity)
	if err != nil {
		return err
	}
	rec.ID = m.RecordID
	rec.ActorID = m.ActorID
	rec.Outcome = m.Outcome
	rec.Severity = sev
	rec.ErrorKind = m.ErrorKind
	rec.ErrorType = m.ErrorType
	rec.Tags = m.Tags
	rec.Snapshot = m.Snapshot
	rec.DurationMs = m.DurationMs
	return nil
}

// Hasher подписывает записи HMAC-SHA256 по каноническому JSON.
type Hasher struct {
	key []byte
}

func NewHasher(key []byte) (*Hasher, error) {
	if len(key) < 32 {
		return nil, ErrWeakKey
	}
	return &Hasher{key: bytes.Clone(key)}, nil
}

type hashedDoc struct {
	Type           string         `json:"type"`
	SanitizedData  map[string]any `json:"sanitizedData"`
	AuditTrailMeta Meta           `json:"auditTrailMeta"`
	Timestamp      string         `json:"timestamp"`
}

// Sum: hex(HMAC-SHA256(canonicalJSON({type, sanitizedData, auditTrailMeta, timestamp}))).
func (h *Hasher) Sum(rec domain.AuditRecord) (string, error) {
	mac, err := h.mac(rec)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac), nil
}

// Verify пересчитывает подпись и сравнивает за постоянное время.
func (h *Hasher) Verify(rec domain.AuditRecord) bool {
	if rec.Noncanonical {
		return false
	}
	want, err := hex.DecodeString(rec.Hash)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got, err := h.mac(rec)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

func (h *Hasher) mac(rec domain.AuditRecord) ([]byte, error) {
	data := rec.SanitizedContext
	if data == nil {
		data = map[string]any{}
	}
	doc := hashedDoc{
		Type:           rec.OperationName,
		SanitizedData:  data,
		AuditTrailMeta: MetaOf(rec),
		Timestamp:      domain.NormalizeTime(rec.CreatedAt).Format(time.RFC3339Nano),
	}
	canon, err := domain.CanonicalJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize: %w", err)
	}
	m := hmac.New(sha256.New, h.key)
	m.Write(canon)
	return m.Sum(nil), nil
}

// DecodeData разбирает сохраненный sanitized_data, сохраняя числа как json.Number.
func DecodeData(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("audit: decode data: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
