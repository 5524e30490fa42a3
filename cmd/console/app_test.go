package main

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/patient-console/internal/patientapi/patientapitest"
)

func TestRunCheck(t *testing.T) {
	srv := patientapitest.NewServer(t)
	t.Setenv("CONSOLE_UPSTREAM_URL", srv.URL)
	t.Setenv("CONSOLE_CHANGEFEED_DRIVER", "memory")

	var out bytes.Buffer
	require.NoError(t, runCheck(context.Background(), "", &out))
	assert.Contains(t, out.String(), "config: ok")
	assert.Contains(t, out.String(), "patient service "+srv.URL+": ok")
	assert.Contains(t, out.String(), "change feed (memory): ok")
	assert.Equal(t, 1, srv.Calls(http.MethodGet, "/api/enum/gender"))
}

func TestRunCheck_UpstreamDown(t *testing.T) {
	srv := patientapitest.NewServer(t)
	srv.Fail(http.MethodGet, "/api/enum/gender", http.StatusServiceUnavailable, "maintenance", 0)
	t.Setenv("CONSOLE_UPSTREAM_URL", srv.URL)

	var out bytes.Buffer
	assert.Error(t, runCheck(context.Background(), "", &out))
	assert.Contains(t, out.String(), "maintenance")
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	t.Setenv("CONSOLE_LOG_FORMAT", "xml")

	var out bytes.Buffer
	assert.Error(t, runCheck(context.Background(), "", &out))
	assert.Contains(t, out.String(), "config:")
}
