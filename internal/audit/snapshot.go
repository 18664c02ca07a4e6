package audit

import (
	"context"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/domain"
)

// Snapshotter снимает состояние системы для записи аудита и эскалации.
type Snapshotter interface {
	Snapshot(ctx context.Context) domain.SystemSnapshot
}

// HostSnapshotter: память и CPU хоста через gopsutil, heap и горутины процесса через runtime.
type HostSnapshotter struct {
	clock  domain.Clock
	logger *zap.Logger
}

func NewHostSnapshotter(clock domain.Clock, logger *zap.Logger) *HostSnapshotter {
	return &HostSnapshotter{clock: clock, logger: logger.Named("snapshot")}
}

func (s *HostSnapshotter) Snapshot(ctx context.Context) domain.SystemSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := domain.SystemSnapshot{
		HeapAlloc:  ms.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
		TakenAt:    domain.NormalizeTime(s.clock.Now()),
	}

	// Снимок не должен срывать запись аудита: недоступные метрики остаются нулевыми
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemUsedPercent = vm.UsedPercent
	} else {
		s.logger.Debug("virtual memory unavailable", zap.Error(err))
	}
	// interval 0 — загрузка с момента предыдущего вызова, без блокировки
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	} else if err != nil {
		s.logger.Debug("cpu percent unavailable", zap.Error(err))
	}

	s.logger.Debug("system snapshot",
		zap.String("heap", humanize.Bytes(snap.HeapAlloc)),
		zap.Float64("mem_used_percent", snap.MemUsedPercent),
		zap.Float64("cpu_percent", snap.CPUPercent),
		zap.Int("goroutines", snap.Goroutines),
	)
	return snap
}

// StaticSnapshotter отдает фиксированное значение (тесты, окружения без /proc).
type StaticSnapshotter domain.SystemSnapshot

func (s StaticSnapshotter) Snapshot(context.Context) domain.SystemSnapshot {
	return domain.SystemSnapshot(s)
}
