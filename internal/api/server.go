// Package api exposes a read-only REST surface over a checkpoint directory:
// its configuration, its tensor index, and the registered architectures.
package api

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/Gugutse/levanter/internal/hf"
	"github.com/Gugutse/levanter/internal/model"
	"github.com/Gugutse/levanter/internal/safetensors"
)

type Server struct {
	dir    string
	config hf.MistralConfig
	shards []*safetensors.File
}

// NewServer opens the checkpoint at dir. The returned server holds the weight
// files open until Close.
func NewServer(dir string) (*Server, error) {
	cfg, err := hf.ReadConfig(dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint config: %w", err)
	}
	paths, err := hf.WeightFiles(dir)
	if err != nil {
		return nil, err
	}
	shards := make([]*safetensors.File, 0, len(paths))
	for _, path := range paths {
		f, err := safetensors.Open(path)
		if err != nil {
			for _, open := range shards {
				_ = open.Close()
			}
			return nil, err
		}
		shards = append(shards, f)
	}
	return &Server{dir: dir, config: cfg, shards: shards}, nil
}

func (s *Server) Close() error {
	var firstErr error
	for _, f := range s.shards {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/architectures", s.handleArchitectures)
	e.GET("/v1/config", s.handleConfig)
	e.GET("/v1/tensors", s.handleListTensors)
	e.GET("/v1/tensors/:name", s.handleGetTensor)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "checkpoint": s.dir})
}

func (s *Server) handleArchitectures(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"architectures": model.RegisteredTypes()})
}

func (s *Server) handleConfig(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.config)
}

// TensorSummary is one row of the tensor index.
type TensorSummary struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

func (s *Server) handleListTensors(c *echo.Context) error {
	filter := c.QueryParam("filter")
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return writeBadRequest(c, "limit must be a non-negative integer")
		}
		limit = n
	}

	var rows []TensorSummary
	for _, f := range s.shards {
		for _, name := range f.Names() {
			if filter != "" && !strings.Contains(name, filter) {
				continue
			}
			info, _ := f.Tensor(name)
			rows = append(rows, TensorSummary{Name: name, DType: info.DType, Shape: info.Shape})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	total := len(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return c.JSON(http.StatusOK, map[string]any{"total": total, "tensors": rows})
}

// TensorDetail extends the index row with summary statistics over the data.
type TensorDetail struct {
	TensorSummary
	Elements int     `json:"elements"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
}

func (s *Server) handleGetTensor(c *echo.Context) error {
	name := c.Param("name")
	for _, f := range s.shards {
		info, ok := f.Tensor(name)
		if !ok {
			continue
		}
		data, _, err := f.ReadTensorF32(name)
		if err != nil {
			return writeServerError(c, err.Error())
		}
		detail := TensorDetail{
			TensorSummary: TensorSummary{Name: name, DType: info.DType, Shape: info.Shape},
			Elements:      len(data),
			Min:           math.Inf(1),
			Max:           math.Inf(-1),
		}
		var sum float64
		for _, v := range data {
			fv := float64(v)
			sum += fv
			detail.Min = math.Min(detail.Min, fv)
			detail.Max = math.Max(detail.Max, fv)
		}
		if len(data) > 0 {
			detail.Mean = sum / float64(len(data))
		} else {
			detail.Min, detail.Max = 0, 0
		}
		return c.JSON(http.StatusOK, detail)
	}
	return writeNotFound(c, fmt.Sprintf("tensor %q not found", name))
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeServerError(c *echo.Context, msg string) error {
	return writeError(c, http.StatusInternalServerError, "server_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": map[string]string{"type": errType, "message": msg},
	})
}
