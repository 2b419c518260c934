// Package web provides the operational REST API: graph authoring, event ingestion and run history.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/funnelflow/funnelflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	graphService *services.Graph
	runService   *services.Run
	validator    *validator.Validate
}

func NewAPIHandlers(
	graphService *services.Graph,
	runService *services.Run,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		graphService: graphService,
		runService:   runService,
		validator:    validator,
	}
}

// Mount registers every endpoint on router.
func (h *APIHandlers) Mount(router fiber.Router) {
	g := router.Group("/graphs")
	g.Get("/", h.GetGraphs)
	g.Post("/", h.CreateGraph)
	g.Post("/validate", h.ValidateGraph)
	g.Get("/:id", h.GetGraph)
	g.Put("/:id", h.UpdateGraph)
	g.Post("/:id/enable", h.EnableGraph)
	g.Post("/:id/disable", h.DisableGraph)

	router.Post("/events", h.IngestEvent)

	r := router.Group("/runs")
	r.Get("/", h.GetRuns)
	r.Get("/:id", h.GetRun)
	r.Post("/:id/cancel", h.CancelRun)
	r.Post("/:id/retrigger", h.RetriggerRun)

	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.graphService.HealthCheck(c.Context())

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetGraphs(c fiber.Ctx) error {
	graphs, err := h.graphService.List(c.Context(), c.Query("organization_id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"graphs":      graphs,
		"total_count": len(graphs),
	})
}

func (h *APIHandlers) GetGraph(c fiber.Ctx) error {
	graph, err := h.graphService.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(graph)
}

func (h *APIHandlers) CreateGraph(c fiber.Ctx) error {
	var req CreateGraphRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.graphService.Create(c.Context(), req.Graph())
	if err != nil {
		return handleServiceError(c, err)
	}

	report, err := h.graphService.Validate(created)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(GraphResponse{Graph: created, Report: report})
}

func (h *APIHandlers) UpdateGraph(c fiber.Ctx) error {
	var req UpdateGraphRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, report, err := h.graphService.Update(c.Context(), c.Params("id"), req.Graph())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(GraphResponse{Graph: updated, Report: report})
}

func (h *APIHandlers) EnableGraph(c fiber.Ctx) error {
	enabled, report, err := h.graphService.Enable(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(GraphResponse{Graph: enabled, Report: report})
}

func (h *APIHandlers) DisableGraph(c fiber.Ctx) error {
	disabled, err := h.graphService.Disable(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(GraphResponse{Graph: disabled})
}

// ValidateGraph reports on a graph definition without storing it.
func (h *APIHandlers) ValidateGraph(c fiber.Ctx) error {
	var req CreateGraphRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	report, err := h.graphService.Validate(req.Graph())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"valid":  report.Valid(),
		"report": report,
	})
}

func (h *APIHandlers) IngestEvent(c fiber.Ctx) error {
	var req IngestEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	event, err := h.runService.Ingest(c.Context(), req.Event())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(event)
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	req, err := parseListRunsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	runs, err := h.runService.List(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs": runs,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
	})
}

func parseListRunsRequest(c fiber.Ctx) (*services.ListRunsRequest, error) {
	req := &services.ListRunsRequest{
		GraphID:   c.Query("graph_id"),
		SubjectID: c.Query("subject_id"),
		Status:    c.Query("status"),
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	return req, nil
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.runService.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	var req CancelRunRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}

		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	run, err := h.runService.Cancel(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) RetriggerRun(c fiber.Ctx) error {
	run, err := h.runService.Retrigger(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}
