package httpapi

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/openraffle/raffle-engine/internal/httputil"
)

type healthResponse struct {
	Status        string `json:"status"`
	RaffleState   string `json:"raffle_state"`
	Round         uint64 `json:"round"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Goroutines    int    `json:"goroutines"`

	// Process diagnostics are best effort and omitted when unavailable.
	MemoryRSSBytes uint64  `json:"memory_rss_bytes,omitempty"`
	CPUPercent     float64 `json:"cpu_percent,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		RaffleState:   string(s.machine.State()),
		Round:         s.machine.Round(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			resp.MemoryRSSBytes = info.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}
