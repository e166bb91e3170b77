package cliapp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/anika-dewari/safebox/pkg/errors"
)

// Envelope mirrors the daemon's standard {code, message, data} response.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// JobResult mirrors coordinator.JobResult's JSON shape.
type JobResult struct {
	JobID           string   `json:"job_id"`
	Admitted        bool     `json:"admitted"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
	SafeSequence    []string `json:"safe_sequence,omitempty"`
	Exit            struct {
		Kind      string `json:"kind"`
		Code      int    `json:"code"`
		ErrorCode int    `json:"error_code,omitempty"`
	} `json:"exit"`
	Stats struct {
		MemoryPeak int64 `json:"memory_peak"`
		CPUUsageUS int64 `json:"cpu_usage_us"`
	} `json:"stats"`
	Status string `json:"status"`
}

// SubmitParams is the set of flags a "submit" invocation collects.
type SubmitParams struct {
	JobID          string
	Path           string
	Args           []string
	Env            []string
	WorkDir        string
	Max            []int64
	Request        []int64
	CPUQuotaUS     int64
	MemoryMaxBytes int64
	PIDsMax        int64
	TimeoutSeconds int
	AllowNewNet    bool
}

// Body builds the JSON payload expected by POST /jobs. A blank JobID is
// filled in with a fresh random id, so "submit path=... max=... request=..."
// works without the caller picking a job id by hand.
func (p SubmitParams) Body() ([]byte, error) {
	jobID := p.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	payload := map[string]interface{}{
		"job_id":           jobID,
		"path":             p.Path,
		"args":             p.Args,
		"env":              p.Env,
		"work_dir":         p.WorkDir,
		"max":              p.Max,
		"request":          p.Request,
		"cpu_quota_us":     p.CPUQuotaUS,
		"memory_max_bytes": p.MemoryMaxBytes,
		"pids_max":         p.PIDsMax,
		"timeout_seconds":  p.TimeoutSeconds,
		"allow_new_net":    p.AllowNewNet,
	}
	return json.Marshal(payload)
}

// ParseVector parses a comma-separated list of integers, e.g. "2,512".
func ParseVector(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

// ExitCodeFor maps a JobResult to this process's own exit code, per the
// daemon's external exit-code contract (0 success, 2 admission rejected,
// 3 cgroup setup failed, 4 spawn failed, 5 child setup failure, 6 child
// killed by seccomp, >=128 child exit propagated as 128+signo).
func ExitCodeFor(r JobResult) int {
	if !r.Admitted {
		return 2
	}
	switch r.Exit.Kind {
	case "exited":
		return r.Exit.Code
	case "signaled":
		if r.Exit.Code == 31 /* SIGSYS: seccomp kill */ {
			return 6
		}
		return 128 + r.Exit.Code
	case "setup_failed":
		return exitCodeForSetupFailure(r.Exit.ErrorCode)
	default:
		return 4
	}
}

// exitCodeForSetupFailure distinguishes the three setup-failure exit codes
// by the ErrorCode the daemon attached to the failing step: a cgroup
// error (creating the job's cgroup or writing its limits) is 3, the
// launcher failing to even start the child (clone, handing it its
// request) is 4, and any other launch-stage error — attach (reported as
// AttachFailed), or the start-signal barrier — is 5. A zero/unrecognized
// code, as for a setup_failed result that carries no coordinator-side
// error, also falls to 5. A setup failure the helper reports through its
// own 127+step exit status arrives as kind "exited" with that status, so
// ExitCodeFor returns it unchanged and it does not reach this function.
func exitCodeForSetupFailure(code int) int {
	ec := errors.ErrorCode(code)
	switch {
	case ec.IsCgroup():
		return 3
	case ec == errors.CloneFailed, ec == errors.MountFailed:
		return 4
	default:
		return 5
	}
}
