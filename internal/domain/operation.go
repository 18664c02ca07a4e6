package domain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Operation: единица работы, которую поставляет доменный код.
// Ядро не заглядывает внутрь: только вызывает Execute.
type Operation interface {
	Execute(ctx context.Context) (Result, error)
}

// OperationFunc позволяет передать обычную функцию как Operation.
type OperationFunc func(ctx context.Context) (Result, error)

func (f OperationFunc) Execute(ctx context.Context) (Result, error) { return f(ctx) }

// Result: результат операции с маркером целостности.
type Result struct {
	Data     map[string]any `json:"data"`
	Checksum string         `json:"checksum"`
}

// NewResult считает контрольную сумму по данным.
func NewResult(data map[string]any) (Result, error) {
	sum, err := Checksum(data)
	if err != nil {
		return Result{}, err
	}
	return Result{Data: data, Checksum: sum}, nil
}

// MustResult: для операций с заведомо сериализуемыми данными.
func MustResult(data map[string]any) Result {
	r, err := NewResult(data)
	if err != nil {
		panic(err)
	}
	return r
}

// Verify пересчитывает сумму и сравнивает с маркером.
func (r Result) Verify() error {
	if r.Checksum == "" {
		return NewError(KindIntegrityError, "result has no integrity marker")
	}
	sum, err := Checksum(r.Data)
	if err != nil {
		return Wrap(KindIntegrityError, ClassFatal, "result data is not serializable", err)
	}
	if sum != r.Checksum {
		return NewError(KindIntegrityError, "result checksum mismatch")
	}
	return nil
}

// Checksum: hex(sha256(canonicalJSON(data))).
func Checksum(data map[string]any) (string, error) {
	raw, err := CanonicalJSON(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON дает детерминированное представление: ключи отсортированы,
// числа сохраняются в исходной записи (UseNumber), без пробелов.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize приводит уже сериализованный JSON к канонической форме.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical json: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical json: trailing data")
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical json: re-marshal: %w", err)
	}
	return out, nil
}
