package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/beacon/internal/metrics"
	"github.com/tinytelemetry/beacon/internal/model"
)

// recorderSettings toggles sampling at runtime. Omitted fields are left
// unchanged.
type recorderSettings struct {
	SamplingRate *float64                  `json:"samplingRate"`
	Enabled      map[model.MetricType]bool `json:"enabled"`
}

func (s *Server) recorderView() gin.H {
	rec := s.backend.Recorder()
	enabled := make(map[model.MetricType]bool, len(model.MetricTypes))
	for _, t := range model.MetricTypes {
		enabled[t] = rec.Enabled(t)
	}
	return gin.H{"samplingRate": rec.SamplingRate(), "enabled": enabled}
}

func (s *Server) handleGetRecorder(c *gin.Context) {
	c.JSON(http.StatusOK, s.recorderView())
}

func (s *Server) handleUpdateRecorder(c *gin.Context) {
	var req recorderSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body: %v", err)
		return
	}
	if req.SamplingRate != nil && !metrics.ValidSamplingRate(*req.SamplingRate) {
		badRequest(c, "samplingRate must be in [0, 1]")
		return
	}
	known := make(map[model.MetricType]bool, len(model.MetricTypes))
	for _, t := range model.MetricTypes {
		known[t] = true
	}
	for t := range req.Enabled {
		if !known[t] {
			badRequest(c, "unknown metric type %q", t)
			return
		}
	}

	rec := s.backend.Recorder()
	if req.SamplingRate != nil {
		rec.SetSamplingRate(*req.SamplingRate)
	}
	for t, on := range req.Enabled {
		rec.SetEnabled(t, on)
	}
	c.JSON(http.StatusOK, s.recorderView())
}
