package audit

import (
	"strings"

	"github.com/xela07ax/opgate/internal/domain"
)

// sensitiveMarkers: ключ, содержащий любую из подстрок, вырезается целиком.
var sensitiveMarkers = []string{"password", "token", "secret"}

// IsSensitiveKey: регистронезависимая проверка ("Password", "api_token", "clientSecret").
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, m := range sensitiveMarkers {
		if strings.Contains(k, m) {
			return true
		}
	}
	return false
}

// Sanitize возвращает копию без чувствительных ключей на любой глубине,
// включая мапы внутри слайсов. Исходная мапа не меняется.
func Sanitize(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if IsSensitiveKey(k) {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			if !IsSensitiveKey(k) {
				m[k] = s
			}
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = sanitizeValue(t[i])
		}
		return s
	case []map[string]any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = Sanitize(t[i])
		}
		return s
	default:
		return v
	}
}

// normalizeData приводит данные к виду, в котором они вернутся из хранилища
// (json.Number для чисел), чтобы хеш совпадал до и после записи.
func normalizeData(in map[string]any) (map[string]any, error) {
	raw, err := domain.CanonicalJSON(in)
	if err != nil {
		return nil, err
	}
	return DecodeData(raw)
}
