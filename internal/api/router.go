package api

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/synth-engine/internal/rtm"
	"github.com/rawblock/synth-engine/internal/synth"
)

// Monitor serves the read-only view of a running synthesis.
type Monitor struct {
	RunID     string
	Mechanism string
	Progress  *synth.Progress
	RTM       *rtm.RTM
	Hub       *Hub
}

// SetupRouter wires the monitor endpoints.
func SetupRouter(m *Monitor) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", m.handleHealth)
		v1.GET("/status", m.handleStatus)
		v1.GET("/run", m.handleRun)
	}
	r.GET("/ws", m.Hub.Subscribe)

	return r
}

// Serve starts the monitor on the given port in its own goroutine and
// returns immediately; a monitor failure must never take the synthesis
// down with it.
func (m *Monitor) Serve(port int) {
	router := SetupRouter(m)
	go m.Hub.Run()
	go func() {
		addr := fmt.Sprintf(":%d", port)
		log.Printf("Synthesis monitor listening on %s (run: %s)", addr, m.RunID)
		if err := router.Run(addr); err != nil {
			log.Printf("Synthesis monitor stopped: %v", err)
		}
	}()
}

func (m *Monitor) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (m *Monitor) handleStatus(c *gin.Context) {
	s := m.Progress.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"run_id":    m.RunID,
		"mechanism": m.Mechanism,
		"progress":  s,
	})
}

func (m *Monitor) handleRun(c *gin.Context) {
	type series struct {
		N    int64   `json:"n"`
		Mean float64 `json:"mean"`
		Std  float64 `json:"std"`
		Min  float64 `json:"min"`
		Max  float64 `json:"max"`
		Sum  float64 `json:"sum"`
	}
	out := make(map[string]series)
	for name, s := range m.RTM.Snapshot() {
		out[name] = series{N: int64(s.N), Mean: s.Mean, Std: s.Std, Min: s.Min, Max: s.Max, Sum: s.Sum}
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":       m.RunID,
		"measurements": out,
	})
}
