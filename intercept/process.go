package intercept

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessFilter admits only flows originating from configured target
// processes (matched by executable name). It maintains a snapshot of
// the local TCP ports owned by those processes; a client connection's
// source port identifies its process.
type ProcessFilter struct {
	targets  map[string]bool
	logger   *slog.Logger
	interval time.Duration

	// scanPorts is injectable for testing; the default walks the
	// process table via gopsutil.
	scanPorts func() (map[uint32]bool, error)

	mu    sync.RWMutex
	ports map[uint32]bool
}

// NewProcessFilter builds a filter for the given executable names
// (case-insensitive). Names come from the per-service process hints in
// the configuration.
func NewProcessFilter(names []string, logger *slog.Logger, interval time.Duration) *ProcessFilter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	targets := make(map[string]bool, len(names))
	for _, n := range names {
		targets[strings.ToLower(n)] = true
	}
	f := &ProcessFilter{
		targets:  targets,
		logger:   logger,
		interval: interval,
		ports:    make(map[uint32]bool),
	}
	f.scanPorts = f.scanProcessTable
	return f
}

// Admit reports whether the client address belongs to a target
// process. Unknown ports are rejected: in inject mode only target
// traffic is eligible for extraction (it is still forwarded).
func (f *ProcessFilter) Admit(remoteAddr string) bool {
	_, portStr, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ports[uint32(port)]
}

// Refresh performs one scan of the process table.
func (f *ProcessFilter) Refresh() error {
	ports, err := f.scanPorts()
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.ports = ports
	f.mu.Unlock()
	return nil
}

// Watch re-scans the process table at the configured interval until
// ctx is cancelled. Run it in a goroutine. A scan failure keeps the
// previous snapshot; it never interrupts flow processing.
func (f *ProcessFilter) Watch(ctx context.Context) {
	if err := f.Refresh(); err != nil {
		f.logger.Warn("intercept: initial process scan failed", "error", err)
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	f.logger.Info("intercept: process watcher started", "targets", len(f.targets), "interval", f.interval)
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("intercept: process watcher stopped")
			return
		case <-ticker.C:
			if err := f.Refresh(); err != nil {
				f.logger.Warn("intercept: process scan failed", "error", err)
			}
		}
	}
}

// scanProcessTable collects the local TCP ports of every connection
// owned by a target process.
func (f *ProcessFilter) scanProcessTable() (map[uint32]bool, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	ports := make(map[uint32]bool)
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // process may have exited mid-scan
		}
		if !f.targets[strings.ToLower(name)] {
			continue
		}
		conns, err := gnet.ConnectionsPid("tcp", p.Pid)
		if err != nil {
			continue
		}
		for _, c := range conns {
			if c.Laddr.Port != 0 {
				ports[c.Laddr.Port] = true
			}
		}
	}
	return ports, nil
}
