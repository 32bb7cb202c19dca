package api

import (
	"context"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		if h.Metrics != nil {
			h.Metrics.SetDependencyHealth(component, status)
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 2)
	if h.Registry != nil {
		components = append(components, recordComponent("registry", h.Registry.Ping(ctx)))
	}
	if h.Journal != nil {
		components = append(components, recordComponent("journal", h.Journal.Ping(ctx)))
	}

	return components, overallStatus, statusCode
}
