package healthcheck_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"stratafs.io/platform/private/healthcheck"
)

func TestLiveAlwaysOK(t *testing.T) {
	h := &healthcheck.Handler{}
	rec := httptest.NewRecorder()
	h.Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyFailsOnRequiredCheck(t *testing.T) {
	h := &healthcheck.Handler{
		Required: map[string]healthcheck.Checker{
			"db": func(ctx context.Context) error { return errors.New("unreachable") },
		},
	}
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyWarnsOnOptionalCheck(t *testing.T) {
	h := &healthcheck.Handler{
		Required: map[string]healthcheck.Checker{
			"db": func(ctx context.Context) error { return nil },
		},
		Optional: []healthcheck.Optional{
			{Name: "cache", Check: func(ctx context.Context) error { return errors.New("cache down") }},
		},
	}
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "cache down")
}
