package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

// ConnectionCounter reports how many live connections the hub holds.
type ConnectionCounter interface {
	ConnectionCount() int
}

// HealthMonitoringWorker samples the server process and the connection
// gauge on a fixed interval and logs the result. It is the only view
// into a running instance besides the health endpoint.
type HealthMonitoringWorker struct {
	log         *slog.Logger
	connections ConnectionCounter
	interval    time.Duration
}

func NewHealthMonitoringWorker(log *slog.Logger, connections ConnectionCounter, interval time.Duration) *HealthMonitoringWorker {
	return &HealthMonitoringWorker{log: log, connections: connections, interval: interval}
}

func (w *HealthMonitoringWorker) Run(ctx context.Context) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		w.log.Error("Error while attaching to own process", "err", err)
		return err
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping health sampling")
			return nil
		case <-ticker.C:
			cpu, err := proc.CPUPercent()
			if err != nil {
				w.log.Error("Error while finding process cpu usage", "err", err)
				continue
			}
			ram, err := proc.MemoryPercent()
			if err != nil {
				w.log.Error("Error while finding process ram usage", "err", err)
				continue
			}
			w.log.Info("Health sample",
				"connections", w.connections.ConnectionCount(),
				"cpu_percent", cpu,
				"ram_percent", ram,
			)
		}
	}
}
