package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/prompt"
)

// Backend is the read side of a model descriptor.
type Backend interface {
	Phase() model.Phase
	Describe() model.Description
	Instances() []*model.Instance
	Prompts() *prompt.Table
}

var _ Backend = (*model.Descriptor)(nil)

type Server struct {
	backend Backend
	started time.Time
	clock   func() time.Time
}

func NewServer(backend Backend) *Server {
	return &Server{
		backend: backend,
		started: time.Now(),
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.GET("/v1/instances", s.handleInstances)
	e.GET("/v1/prompt-tasks", s.handlePromptTasks)
	e.GET("/v1/prompt-tasks/:name", s.handlePromptTask)
}

func (s *Server) handleHealth(c *echo.Context) error {
	phase := s.backend.Phase()
	resp := HealthResponse{
		Status: "ok",
		Phase:  phase,
		Uptime: s.clock().Sub(s.started).Truncate(time.Second).String(),
	}
	status := http.StatusOK
	switch phase {
	case model.Failed:
		resp.Status, status = "failed", http.StatusServiceUnavailable
	case model.InstancesReady:
	default:
		resp.Status = "starting"
	}
	return c.JSON(status, resp)
}

// handleModel serves the description as JSON, or as key: value lines
// with ?format=text.
func (s *Server) handleModel(c *echo.Context) error {
	desc := s.backend.Describe()
	switch c.QueryParam("format") {
	case "", "json":
		return c.JSON(http.StatusOK, desc)
	case "text":
		return c.String(http.StatusOK, desc.String())
	default:
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "format must be json or text", "")
	}
}

func (s *Server) handleInstances(c *echo.Context) error {
	insts := s.backend.Instances()
	list := InstanceList{Object: "list", Data: make([]InstanceObject, 0, len(insts))}
	for _, i := range insts {
		list.Data = append(list.Data, instanceObject(i))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handlePromptTasks(c *echo.Context) error {
	table := s.backend.Prompts()
	tasks := table.Tasks()
	list := PromptTaskList{Object: "list", Data: make([]PromptTaskObject, 0, len(tasks))}
	for _, t := range tasks {
		list.Data = append(list.Data, promptTaskObject(table, t))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handlePromptTask(c *echo.Context) error {
	table := s.backend.Prompts()
	task, err := table.Lookup(c.Param("name"))
	if err != nil {
		return writeFault(c, err)
	}
	return c.JSON(http.StatusOK, promptTaskObject(table, task))
}
