package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tOgg1/scanfleet/internal/dispatch"
	"github.com/tOgg1/scanfleet/internal/models"
	"github.com/tOgg1/scanfleet/internal/registry"
)

const defaultEventLimit = 50

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req models.RegisterRequest
	if !s.bind(c, &req) {
		return
	}

	node, created, err := s.deps.Registry.Register(c.Request.Context(), req.Name, req.IsLocal, c.ClientIP())
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, models.RegisterResponse{WorkerID: node.ID, Name: node.Name, Created: created})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	id, ok := nodeID(c)
	if !ok {
		return
	}
	var req models.HeartbeatRequest
	if !s.bind(c, &req) {
		return
	}

	result, err := s.deps.Registry.RecordHeartbeat(c.Request.Context(), id, registry.Heartbeat{
		CPUPercent:    req.CPUPercent,
		MemoryPercent: req.MemoryPercent,
		Version:       req.Version,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.HeartbeatResponse{
		Status:        "ok",
		NeedUpdate:    result.NeedUpdate,
		ServerVersion: result.ServerVersion,
	})
}

func (s *Server) handleListNodes(c *gin.Context) {
	nodes, err := s.deps.Registry.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if nodes == nil {
		nodes = []*models.Node{}
	}
	c.JSON(http.StatusOK, nodes)
}

func (s *Server) handleGetNode(c *gin.Context) {
	id, ok := nodeID(c)
	if !ok {
		return
	}
	node, err := s.deps.Registry.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) handleAddNode(c *gin.Context) {
	var req models.AddNodeRequest
	if !s.bind(c, &req) {
		return
	}
	node := req.Node()
	node.ApplyDefaults()
	if err := node.Validate(); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.deps.Registry.Add(c.Request.Context(), node); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, node)
}

// handleRemoveNode deletes the record and load sample at once. Remote nodes
// are then uninstalled in the background; failures are only logged.
func (s *Server) handleRemoveNode(c *gin.Context) {
	id, ok := nodeID(c)
	if !ok {
		return
	}
	node, err := s.deps.Registry.Remove(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	if !node.IsLocal && s.deps.Provisioner != nil {
		s.background("uninstall", func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, s.opts.UninstallTimeout)
			defer cancel()
			if err := s.deps.Provisioner.Uninstall(ctx, node); err != nil {
				s.logger.Warn().Err(err).Int64("node_id", node.ID).Str("node", node.Name).Msg("background uninstall failed")
			}
		})
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleNodeEvents(c *gin.Context) {
	id, ok := nodeID(c)
	if !ok {
		return
	}
	if s.deps.Events == nil {
		c.JSON(http.StatusOK, []*models.Event{})
		return
	}
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			abortError(c, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	list, err := s.deps.Events.ListByNode(c.Request.Context(), id, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []*models.Event{}
	}
	c.JSON(http.StatusOK, list)
}

// handleSubmitJob accepts a job and dispatches it in the background, where
// it may wait for an eligible node.
func (s *Server) handleSubmitJob(c *gin.Context) {
	job, ok := s.bindJob(c)
	if !ok {
		return
	}

	s.background("dispatch", func(ctx context.Context) {
		if _, err := s.deps.Dispatcher.Dispatch(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("dispatch failed")
		}
	})
	c.JSON(http.StatusAccepted, models.SubmitJobResponse{JobID: job.ID})
}

// handleBroadcastJob launches a job on every eligible node and reports the
// per-node outcome.
func (s *Server) handleBroadcastJob(c *gin.Context) {
	job, ok := s.bindJob(c)
	if !ok {
		return
	}

	results, err := s.deps.Dispatcher.DispatchAll(c.Request.Context(), job)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := models.BroadcastResponse{JobID: job.ID, Results: make([]models.DispatchOutcome, 0, len(results))}
	for _, result := range results {
		outcome := models.DispatchOutcome{
			NodeID:      result.NodeID,
			NodeName:    result.NodeName,
			Score:       result.Score,
			ContainerID: result.ContainerID,
		}
		if result.Err != nil {
			outcome.Error = result.Err.Error()
		}
		resp.Results = append(resp.Results, outcome)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) bindJob(c *gin.Context) (*models.Job, bool) {
	var req models.SubmitJobRequest
	if !s.bind(c, &req) {
		return nil, false
	}
	job := &models.Job{ID: uuid.NewString(), Module: req.Module, Args: req.Args}
	if err := job.Validate(); err != nil {
		s.fail(c, err)
		return nil, false
	}
	return job, true
}

// bind decodes the JSON body into dst and validates it.
func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abortError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields[fe.Field()] = fe.Tag()
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{Error: "validation failed", Fields: fields})
			return false
		}
		abortError(c, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func nodeID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		abortError(c, http.StatusBadRequest, "invalid node id")
		return 0, false
	}
	return id, true
}

// fail maps domain errors to HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	var validation *models.ValidationErrors
	switch {
	case errors.As(err, &validation):
		fields := make(map[string]string, len(validation.Errors))
		for _, fe := range validation.Errors {
			fields[fe.Field] = fe.Message
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Fields: fields})
	case errors.Is(err, registry.ErrNodeNotFound):
		abortError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrNodeAlreadyExists), errors.Is(err, registry.ErrTransitionNotAllowed):
		abortError(c, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrNoEligibleNode):
		abortError(c, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		abortError(c, http.StatusInternalServerError, "internal error")
	}
}

func abortError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{Error: message})
}
