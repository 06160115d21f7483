package api

import (
	"context"
	"errors"
	"net/http"

	"planscraper/internal/browser"
	"planscraper/internal/jobs"
	"planscraper/internal/portal"
)

var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrFileNotFound = errors.New("file not found")
	ErrBadRequest   = errors.New("bad request")
)

// MapHTTPStatus maps a domain error to the status code it is served with.
func MapHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrPlanNotFound),
		errors.Is(err, ErrFileNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, portal.ErrIdentifierResolution):
		return http.StatusNotFound
	case errors.Is(err, browser.ErrSessionStart),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
