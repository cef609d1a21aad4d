package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ive/pkg/ive"
)

func (s *Server) handleOp(c *echo.Context) error {
	name := strings.ToLower(c.Param("op"))
	req, err := decodeJSON[OpRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, "invalid JSON body: "+err.Error())
	}
	if req.Width <= 0 || req.Height <= 0 {
		return writeBadRequest(c, "width and height must be positive")
	}
	f, err := parseFormat(req.Format)
	if err != nil {
		return writeEngineError(c, err)
	}
	shape, err := ive.Describe(name, req.Params, f, req.Width, req.Height)
	if err != nil {
		return writeEngineError(c, err)
	}
	if len(req.Inputs) != shape.Inputs {
		return writeBadRequest(c, fmt.Sprintf("%s takes %d inputs, got %d", name, shape.Inputs, len(req.Inputs)))
	}
	channels := max(req.Channels, 1)

	inputs, err := createImages(s.handle, shape.Inputs, f, channels, req.Width, req.Height)
	if err != nil {
		return writeEngineError(c, err)
	}
	defer freeImages(s.handle, inputs)
	outputs, err := createImages(s.handle, shape.Outputs, shape.OutFormat, channels, shape.OutWidth, shape.OutHeight)
	if err != nil {
		return writeEngineError(c, err)
	}
	defer freeImages(s.handle, outputs)
	if err := uploadAll(s.handle, inputs, req.Inputs); err != nil {
		return writeEngineError(c, err)
	}

	created := s.now()
	inv, err := s.handle.Do(c.Request().Context(), name, req.Params, inputs, outputs)
	if err != nil {
		s.log.Warn("operator failed", "op", name, "error", err)
		return writeEngineError(c, err)
	}
	data, err := downloadAll(s.handle, outputs)
	if err != nil {
		return writeEngineError(c, err)
	}

	job := &Job{
		ID:         inv.ID.String(),
		Object:     "job",
		Op:         name,
		Status:     inv.State().String(),
		CreatedAt:  created.Unix(),
		Batches:    inv.Batches(),
		CacheHit:   inv.CacheHit(),
		DurationMS: float64(inv.Elapsed().Microseconds()) / 1000,
		Format:     shape.OutFormat.String(),
		Width:      shape.OutWidth,
		Height:     shape.OutHeight,
		Outputs:    data,
	}
	if plan := inv.Plan(); plan != nil {
		job.Tiles = len(plan.Tiles)
	}
	s.jobs.Put(job)
	s.log.Debug("job stored", "job", job.ID, "op", name, "tiles", job.Tiles)
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleGetJob(c *echo.Context) error {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return writeBadRequest(c, "job id is not a uuid")
	}
	job, ok := s.jobs.Get(id)
	if !ok {
		return writeNotFound(c, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleDeleteJob(c *echo.Context) error {
	id := c.Param("id")
	if !s.jobs.Delete(id) {
		return writeNotFound(c, "job not found")
	}
	return c.JSON(http.StatusOK, DeleteJobResponse{ID: id, Object: "job.deleted", Deleted: true})
}
