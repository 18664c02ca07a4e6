package domain

import (
	"time"

	"github.com/google/uuid"
)

type Clock interface {
	Now() time.Time
}

type IDGen interface {
	New() string
}

// SystemClock: реальное время.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// UUIDGen выдает UUIDv4.
type UUIDGen struct{}

func (UUIDGen) New() string { return uuid.New().String() }
