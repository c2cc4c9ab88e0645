package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	jobStrategyWorker  = "strategy_worker"
	jobBalanceSnapshot = "balance_snapshot"
)

// handleJobsStatus reports whether the two background jobs are currently running.
func (s *Server) handleJobsStatus(c *gin.Context) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	ok(c, http.StatusOK, "", gin.H{
		jobStrategyWorker:  s.workerOn,
		jobBalanceSnapshot: s.snapshotOn,
	})
}

type jobsControlRequest struct {
	Job    string `json:"job" binding:"required"`
	Action string `json:"action" binding:"required"`
}

// handleJobsControl starts, stops, or restarts one of the two background jobs (spec.md §6 —
// POST /jobs/control).
func (s *Server) handleJobsControl(c *gin.Context) {
	var req jobsControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	var err error
	switch req.Action {
	case "start":
		err = s.startJob(req.Job)
	case "stop":
		err = s.stopJob(req.Job)
	case "restart":
		_ = s.stopJob(req.Job)
		err = s.startJob(req.Job)
	default:
		failValidation(c, "action must be one of start, stop, restart", map[string]interface{}{"action": req.Action})
		return
	}
	if err != nil {
		failValidation(c, err.Error(), map[string]interface{}{"job": req.Job})
		return
	}
	ok(c, http.StatusOK, req.Job+" "+req.Action+"ed", nil)
}

// handleJobsTrigger runs one pass of a job immediately, outside its schedule (spec.md §6 —
// POST /jobs/trigger/<job>).
func (s *Server) handleJobsTrigger(c *gin.Context) {
	job := c.Param("job")
	switch job {
	case jobStrategyWorker:
		s.deps.Worker.TriggerOnce(c.Request.Context())
	case jobBalanceSnapshot:
		s.deps.Snapshot.RunOnce(c.Request.Context())
	default:
		failValidation(c, "unknown job", map[string]interface{}{"job": job})
		return
	}
	ok(c, http.StatusOK, job+" triggered", nil)
}

func (s *Server) startJob(job string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	switch job {
	case jobStrategyWorker:
		if s.workerOn {
			return nil
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.workerStop = cancel
		s.workerOn = true
		go s.deps.Worker.Run(ctx)
		return nil
	case jobBalanceSnapshot:
		if s.snapshotOn {
			return nil
		}
		if err := s.deps.Snapshot.Start(context.Background(), s.deps.SnapshotIntervalHours); err != nil {
			return err
		}
		s.snapshotOn = true
		return nil
	default:
		return errUnknownJob(job)
	}
}

func (s *Server) stopJob(job string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	switch job {
	case jobStrategyWorker:
		if !s.workerOn {
			return nil
		}
		if s.workerStop != nil {
			s.workerStop()
		}
		s.deps.Worker.Stop()
		s.workerOn = false
		return nil
	case jobBalanceSnapshot:
		if !s.snapshotOn {
			return nil
		}
		s.deps.Snapshot.Stop()
		s.snapshotOn = false
		return nil
	default:
		return errUnknownJob(job)
	}
}

type unknownJobError struct{ job string }

func (e unknownJobError) Error() string { return "unknown job: " + e.job }

func errUnknownJob(job string) error { return unknownJobError{job: job} }
