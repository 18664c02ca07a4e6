// Package validation проверяет payload операций по JSON Schema.
package validation

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalid: payload не прошел схему.
var ErrInvalid = errors.New("validation: payload does not match schema")

// SchemaValidator компилирует схему один раз и переиспользует ее.
type SchemaValidator struct {
	mu       sync.RWMutex
	compiled map[[32]byte]*gojsonschema.Schema
}

func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{compiled: make(map[[32]byte]*gojsonschema.Schema)}
}

// Validate проверяет payload по схеме rules (текст JSON Schema). Ошибки перечисляются через "; ".
func (v *SchemaValidator) Validate(payload map[string]any, rules string) error {
	schema, err := v.schema(rules)
	if err != nil {
		return err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("validation: load payload: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

func (v *SchemaValidator) schema(rules string) (*gojsonschema.Schema, error) {
	key := sha256.Sum256([]byte(rules))

	v.mu.RLock()
	s, ok := v.compiled[key]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(rules))
	if err != nil {
		return nil, fmt.Errorf("validation: compile schema: %w", err)
	}
	v.mu.Lock()
	v.compiled[key] = s
	v.mu.Unlock()
	return s, nil
}

// Compile проверяет, что схема корректна (при загрузке конфигурации).
func (v *SchemaValidator) Compile(rules string) error {
	_, err := v.schema(rules)
	return err
}

// LoadDir читает схемы вида <operation>.json. Пустой dir — схем нет.
func LoadDir(dir string) (map[string]string, error) {
	if dir == "" {
		return nil, nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("validation: scan %s: %w", dir, err)
	}

	out := make(map[string]string, len(files))
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("validation: read %s: %w", f, err)
		}
		out[strings.TrimSuffix(filepath.Base(f), ".json")] = string(raw)
	}
	return out, nil
}
