package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (s *Server) registerHealthRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "healthCheck",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns server health status with the data source connection state",
		Tags:        []string{"Health"},
	}, s.handleHealthCheck)
}

// ComponentHealth describes the health of a single component.
type ComponentHealth struct {
	Status  string `json:"status" doc:"Component status: healthy or unhealthy"`
	Message string `json:"message,omitempty" doc:"Additional status information"`
}

// HealthResponse contains health check data in API responses.
type HealthResponse struct {
	Status     string                     `json:"status" doc:"Overall status: healthy or unhealthy"`
	Components map[string]ComponentHealth `json:"components" doc:"Individual component statuses"`
}

// HealthOutput wraps the health response for Huma.
type HealthOutput struct {
	Status int
	Body   HealthResponse
}

func (s *Server) handleHealthCheck(_ context.Context, _ *struct{}) (*HealthOutput, error) {
	ds := s.checkDataSource()
	out := &HealthOutput{
		Status: http.StatusOK,
		Body: HealthResponse{
			Status:     ds.Status,
			Components: map[string]ComponentHealth{"data_source": ds},
		},
	}
	if ds.Status != "healthy" {
		out.Status = http.StatusServiceUnavailable
	}
	return out, nil
}

// checkDataSource reports whether the tag backend is connected.
func (s *Server) checkDataSource() ComponentHealth {
	if s.source == nil {
		return ComponentHealth{Status: "unhealthy", Message: "data source not configured"}
	}
	if !s.source.Connected() {
		return ComponentHealth{Status: "unhealthy", Message: s.backend + " disconnected"}
	}
	return ComponentHealth{Status: "healthy", Message: s.backend}
}
