package main

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	// Sets GOMEMLIMIT from the cgroup memory limit.
	_ "github.com/KimMachineGun/automemlimit"
)

func startMemoryLogger(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			logMemoryStats(logger)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func logMemoryStats(logger *slog.Logger) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	attrs := []any{
		"heap_alloc_bytes", m.HeapAlloc,
		"heap_inuse_bytes", m.HeapInuse,
		"stack_inuse_bytes", m.StackInuse,
		"num_gc", m.NumGC,
		"goroutines", runtime.NumGoroutine(),
	}
	if rss, ok := readRSSBytes(); ok {
		attrs = append(attrs, "rss_bytes", rss)
	}
	logger.Info("Memory usage", attrs...)
}

// readRSSBytes reads VmRSS from /proc; it reports false off Linux.
func readRSSBytes() (uint64, bool) {
	if runtime.GOOS != "linux" {
		return 0, false
	}
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		rest, ok := strings.CutPrefix(line, "VmRSS:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
