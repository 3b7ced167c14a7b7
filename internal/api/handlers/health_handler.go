package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ReadyChecker is anything with a cheap readiness probe. All three
// backends satisfy it.
type ReadyChecker interface {
	Ready() bool
}

type readyFunc func() bool

func (f readyFunc) Ready() bool { return f() }

// ReadyFromFunc adapts a bare readiness predicate.
func ReadyFromFunc(f func() bool) ReadyChecker { return readyFunc(f) }

type HealthHandler struct {
	components map[string]ReadyChecker
}

func NewHealthHandler(llm, stt, tts ReadyChecker) *HealthHandler {
	return &HealthHandler{components: map[string]ReadyChecker{
		"llm": llm,
		"stt": stt,
		"tts": tts,
	}}
}

func statusOf(ready bool) string {
	if ready {
		return "healthy"
	}
	return "unhealthy"
}

// Health reports the aggregate status: healthy when every component is
// ready, unhealthy when none is, degraded in between. The endpoint itself
// always answers 200; liveness and component state are separate questions.
func (h *HealthHandler) Health(c *gin.Context) {
	components := gin.H{}
	ready := 0
	for name, check := range h.components {
		ok := check.Ready()
		if ok {
			ready++
		}
		components[name] = gin.H{"status": statusOf(ok)}
	}

	status := "degraded"
	switch ready {
	case len(h.components):
		status = "healthy"
	case 0:
		status = "unhealthy"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "components": components})
}

// Component reports one backend's status by route suffix.
func (h *HealthHandler) Component(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		check, ok := h.components[name]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"status": "unknown"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"component": name, "status": statusOf(check.Ready())})
	}
}

// Ready is the orchestration readiness gate: 503 until every backend is up.
func (h *HealthHandler) Ready(c *gin.Context) {
	for _, check := range h.components {
		if !check.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// Live always answers 200; the process serving the request is the proof.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alive": true})
}
