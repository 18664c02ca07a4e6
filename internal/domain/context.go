package domain

import (
	"sort"
	"time"
)

// SecurityContext: неизменяемое описание запроса: кто, что и с какими данными.
// Создается на каждый вызов и выбрасывается после исполнения.
type SecurityContext struct {
	actorID       string
	operationName string
	permissions   map[string]struct{}
	payload       map[string]any
	ipAddress     string
	sessionID     string
	requestedAt   time.Time
}

// ContextParams: входные данные конструктора.
type ContextParams struct {
	ActorID             string
	OperationName       string
	RequiredPermissions []string
	Payload             map[string]any
	IPAddress           string
	SessionID           string
	RequestedAt         time.Time
}

// NewSecurityContext делает глубокую копию входа, чтобы вызывающий не мог
// изменить контекст после конструирования.
func NewSecurityContext(p ContextParams) SecurityContext {
	var perms map[string]struct{}
	if p.RequiredPermissions != nil {
		perms = make(map[string]struct{}, len(p.RequiredPermissions))
		for _, perm := range p.RequiredPermissions {
			if perm != "" {
				perms[perm] = struct{}{}
			}
		}
	}
	at := p.RequestedAt
	if at.IsZero() {
		at = time.Now()
	}
	return SecurityContext{
		actorID:       p.ActorID,
		operationName: p.OperationName,
		permissions:   perms,
		payload:       deepCopyMap(p.Payload),
		ipAddress:     p.IPAddress,
		sessionID:     p.SessionID,
		requestedAt:   at.UTC(),
	}
}

func (c SecurityContext) ActorID() string        { return c.actorID }
func (c SecurityContext) OperationName() string  { return c.operationName }
func (c SecurityContext) IPAddress() string      { return c.ipAddress }
func (c SecurityContext) SessionID() string      { return c.sessionID }
func (c SecurityContext) RequestedAt() time.Time { return c.requestedAt }

// RequiredPermissions возвращает отсортированную копию набора прав.
func (c SecurityContext) RequiredPermissions() []string {
	out := make([]string, 0, len(c.permissions))
	for p := range c.permissions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Payload возвращает копию данных запроса.
func (c SecurityContext) Payload() map[string]any { return deepCopyMap(c.payload) }

// Validate проверяет структурную полноту контекста.
func (c SecurityContext) Validate() error {
	switch {
	case c.actorID == "":
		return NewError(KindMalformedContext, "actor id is required")
	case c.operationName == "":
		return NewError(KindMalformedContext, "operation name is required")
	case len(c.permissions) == 0:
		return NewError(KindMalformedContext, "required permissions are missing")
	}
	return nil
}

// Fields: плоское представление для аудита (до санитизации).
func (c SecurityContext) Fields() map[string]any {
	perms := make([]any, 0, len(c.permissions))
	for _, p := range c.RequiredPermissions() {
		perms = append(perms, p)
	}
	return map[string]any{
		"actor_id":     c.actorID,
		"operation":    c.operationName,
		"permissions":  perms,
		"payload":      c.Payload(),
		"ip_address":   c.ipAddress,
		"session_id":   c.sessionID,
		"requested_at": c.requestedAt.Format(time.RFC3339Nano),
	}
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = deepCopyValue(t[i])
		}
		return cp
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
