// Package adminapi provides the optional operator status HTTP API exposed by
// the pool and readiness-loop driver variants, grounded on the teacher's
// internal/api handlers and middleware and adapted to report worker-pool and
// connection-table stats instead of DNS query stats.
package adminapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// PoolStats is the subset of workerpool.Pool state the status endpoint
// reports. Defined as an interface-friendly struct so adminapi does not
// import internal/workerpool directly and callers can supply it from any
// driver variant, including ones with no pool at all.
type PoolStats struct {
	AliveCount   int
	WorkingCount int
	QueueLen     int
}

// StatsSource supplies the live counters the /status endpoint reports. A
// driver variant with no worker pool (select/epoll) returns a zero PoolStats.
type StatsSource interface {
	ActiveConnections() int
	Pool() (PoolStats, bool)
}

// Handler holds the dependencies used by the registered routes.
type Handler struct {
	startTime time.Time
	source    StatsSource
	apiKey    string
}

// New constructs a Handler. apiKey, when non-empty, requires the
// X-API-Key header on every route.
func New(source StatsSource, apiKey string) *Handler {
	return &Handler{startTime: time.Now(), source: source, apiKey: apiKey}
}

// StatusResponse is the JSON body of GET /health.
type StatusResponse struct {
	Status string `json:"status"`
}

// Health responds 200 OK unconditionally once the process is serving.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// CPUStats mirrors the teacher's models.CPUStats shape.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
	IdlePercent float64 `json:"idle_percent"`
}

// MemoryStats mirrors the teacher's models.MemoryStats shape.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// ConnStats reports the connection table's occupancy.
type ConnStats struct {
	Active int `json:"active"`
}

// PoolStatsResponse is the JSON rendering of PoolStats, omitted entirely
// when the running driver variant has no pool.
type PoolStatsResponse struct {
	AliveCount   int `json:"alive_count"`
	WorkingCount int `json:"working_count"`
	QueueLen     int `json:"queue_len"`
}

// StatsResponse is the JSON body of GET /status.
type StatsResponse struct {
	UptimeSeconds int64              `json:"uptime_seconds"`
	StartTime     time.Time          `json:"start_time"`
	CPU           CPUStats           `json:"cpu"`
	Memory        MemoryStats        `json:"memory"`
	Connections   ConnStats          `json:"connections"`
	Pool          *PoolStatsResponse `json:"pool,omitempty"`
}

// Status reports uptime, host CPU/mem via gopsutil, active connection count,
// and worker-pool occupancy (when the driver variant has one).
func (h *Handler) Status(c *gin.Context) {
	uptime := time.Since(h.startTime)

	memStats := MemoryStats{}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		memStats.TotalMB = float64(vmStat.Total) / 1024 / 1024
		memStats.FreeMB = float64(vmStat.Available) / 1024 / 1024
		memStats.UsedMB = float64(vmStat.Used) / 1024 / 1024
		memStats.UsedPercent = vmStat.UsedPercent
	}

	cpuStats := CPUStats{NumCPU: runtime.NumCPU()}
	if cpuPercent, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		cpuStats.UsedPercent = cpuPercent[0]
		cpuStats.IdlePercent = 100.0 - cpuPercent[0]
	}

	resp := StatsResponse{
		UptimeSeconds: int64(uptime.Seconds()),
		StartTime:     h.startTime,
		CPU:           cpuStats,
		Memory:        memStats,
		Connections:   ConnStats{Active: h.source.ActiveConnections()},
	}

	if ps, ok := h.source.Pool(); ok {
		resp.Pool = &PoolStatsResponse{
			AliveCount:   ps.AliveCount,
			WorkingCount: ps.WorkingCount,
			QueueLen:     ps.QueueLen,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// RequireAPIKey mirrors the teacher's middleware.RequireAPIKey: rejects
// requests missing a matching X-API-Key header.
func RequireAPIKey(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-API-Key") != expected {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
			return
		}
		c.Next()
	}
}

// NewEngine builds the gin.Engine serving this package's routes.
func NewEngine(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	group := r.Group("/")
	if h.apiKey != "" {
		group.Use(RequireAPIKey(h.apiKey))
	}
	group.GET("/health", h.Health)
	group.GET("/status", h.Status)

	return r
}
