package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Server exposes a tiny introspection endpoint: process role, active job
// count, and a host resource snapshot (cpu, memory, and disk space on the
// torrent download volume, the last folded in from the teacher's disk-usage
// analytics). It carries no business logic and requires no auth, mirroring
// the teacher's lightweight internal API server adapted down to ops
// visibility only.
type Server struct {
	role       string
	activeJobs func() int
	diskPath   string
	httpServer *http.Server
}

func NewServer(addr, role, diskPath string, activeJobs func() int) *Server {
	s := &Server{role: role, activeJobs: activeJobs, diskPath: diskPath}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthzResponse struct {
	Role           string  `json:"role"`
	ActiveJobs     int     `json:"activeJobs"`
	CPUPercent     float64 `json:"cpuPercent,omitempty"`
	MemUsedPct     float64 `json:"memUsedPercent,omitempty"`
	DiskFreeBytes  uint64  `json:"diskFreeBytes,omitempty"`
	DiskUsedPct    float64 `json:"diskUsedPercent,omitempty"`
	CheckedAt      string  `json:"checkedAt"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthzResponse{
		Role:       s.role,
		ActiveJobs: s.activeJobs(),
		CheckedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		resp.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemUsedPct = vm.UsedPercent
	}
	if s.diskPath != "" {
		if du, err := disk.Usage(s.diskPath); err == nil {
			resp.DiskFreeBytes = du.Free
			resp.DiskUsedPct = du.UsedPercent
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
