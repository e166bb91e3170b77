package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anika-dewari/safebox/internal/coordinator"
	"github.com/anika-dewari/safebox/internal/safety"
	"github.com/anika-dewari/safebox/internal/vector"
	"github.com/anika-dewari/safebox/pkg/errors"
	"github.com/anika-dewari/safebox/pkg/httpresponse"
)

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// submitRequest is the wire shape of POST /jobs.
type submitRequest struct {
	JobID   string   `json:"job_id" binding:"required"`
	Path    string   `json:"path" binding:"required"`
	Args    []string `json:"args"`
	Env     []string `json:"env"`
	WorkDir string   `json:"work_dir"`

	Max     []int64 `json:"max" binding:"required"`
	Request []int64 `json:"request" binding:"required"`

	MemoryMaxBytes int64 `json:"memory_max_bytes"`
	CPUQuotaUS     int64 `json:"cpu_quota_us"`
	PIDsMax        int64 `json:"pids_max"`

	TimeoutSeconds int  `json:"timeout_seconds"`
	AllowNewNet    bool `json:"allow_new_net"`
}

// submit declares (if new) and admits a job, then blocks until it runs
// to completion, broadcasting the terminal JobResult to stream subscribers.
func (h *handlers) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpresponse.ErrorWithCode(c, errors.InvalidParams, "invalid job submission payload")
		return
	}

	spec := coordinator.JobSpec{
		JobID:          safety.JobID(req.JobID),
		Path:           req.Path,
		Args:           req.Args,
		Env:            req.Env,
		WorkDir:        req.WorkDir,
		Max:            vector.Vector(req.Max),
		Request:        vector.Vector(req.Request),
		MemoryMaxBytes: req.MemoryMaxBytes,
		CPUQuotaUS:     req.CPUQuotaUS,
		PIDsMax:        req.PIDsMax,
		AllowNewNet:    req.AllowNewNet,
	}
	if req.TimeoutSeconds > 0 {
		spec.Timeout = secondsToDuration(req.TimeoutSeconds)
	}

	result, err := h.coord.Submit(c.Request.Context(), spec)
	if err != nil {
		httpresponse.Error(c, err)
		return
	}
	h.hub.Broadcast(result)
	httpresponse.Success(c, result)
}

// getJob returns the last known JobResult for a job id.
func (h *handlers) getJob(c *gin.Context) {
	id := safety.JobID(c.Param("id"))
	result, ok := h.coord.Table().Get(id)
	if !ok {
		httpresponse.ErrorWithCode(c, errors.NotFound, "job not found")
		return
	}
	httpresponse.Success(c, result)
}

// state returns a snapshot of the SafetyEngine's admission state.
func (h *handlers) state(c *gin.Context) {
	httpresponse.Success(c, h.coord.SafetyState())
}

// release forces a full release of a job's current allocation, for an
// operator recovering from a stuck or orphaned job.
func (h *handlers) release(c *gin.Context) {
	id := safety.JobID(c.Param("id"))
	if err := h.coord.ReleaseJob(c.Request.Context(), id); err != nil {
		httpresponse.Error(c, err)
		return
	}
	httpresponse.Success(c, gin.H{"job_id": id, "released": true})
}

// kill terminates a running job out of band, taking it through the same
// SIGTERM-then-grace-period-then-SIGKILL sequence its own timeout would.
func (h *handlers) kill(c *gin.Context) {
	id := safety.JobID(c.Param("id"))
	if err := h.coord.Kill(id); err != nil {
		httpresponse.Error(c, err)
		return
	}
	httpresponse.Success(c, gin.H{"job_id": id, "killed": true})
}
