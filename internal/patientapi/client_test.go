package patientapi_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/patient-console/internal/patientapi"
	"github.com/jwalitptl/patient-console/internal/patientapi/patientapitest"
	"github.com/jwalitptl/patient-console/pkg/auth"
	"github.com/jwalitptl/patient-console/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/patient-console/pkg/errors"
	"github.com/jwalitptl/patient-console/pkg/metrics"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) ShowError(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func newClient(t *testing.T, srv *patientapitest.Server, mutate ...func(*patientapi.Config)) *patientapi.Client {
	t.Helper()
	cfg := patientapi.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := patientapi.NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := patientapi.NewClient(patientapi.Config{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestClient_ListPatients_PagesAndFilters(t *testing.T) {
	srv := patientapitest.NewServer(t)
	srv.Seed(
		patientapi.PatientRecord{FirstName: "Jane", LastName: "Doe"},
		patientapi.PatientRecord{FirstName: "John", LastName: "Smith"},
		patientapi.PatientRecord{FirstName: "Janet", LastName: "Jones"},
	)
	c := newClient(t, srv)
	ctx := context.Background()

	page, err := c.ListPatients(ctx, patientapi.ListQuery{Page: 1, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Number)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 3, page.TotalElements)
	assert.False(t, page.First)
	assert.True(t, page.Last)
	require.Len(t, page.Content, 1)
	assert.Equal(t, "Janet", page.Content[0].FirstName)

	page, err = c.ListPatients(ctx, patientapi.ListQuery{Name: "jan", Size: 10})
	require.NoError(t, err)
	assert.Len(t, page.Content, 2)
}

func TestClient_ListPatients_Empty(t *testing.T) {
	srv := patientapitest.NewServer(t)
	c := newClient(t, srv)

	page, err := c.ListPatients(context.Background(), patientapi.ListQuery{Size: 10})
	require.NoError(t, err)
	assert.NotNil(t, page.Content)
	assert.Empty(t, page.Content)
	assert.True(t, page.First)
	assert.True(t, page.Last)
}

func TestClient_CreateThenGet_OmitsUnsetFields(t *testing.T) {
	srv := patientapitest.NewServer(t)
	c := newClient(t, srv)
	ctx := context.Background()

	created, err := c.CreatePatient(ctx, patientapi.PatientRecord{FirstName: "Jane"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	assert.Equal(t, map[string]interface{}{"firstName": "Jane"}, srv.LastBody(http.MethodPost, "/api/patient"))

	got, err := c.GetPatient(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jane", got.FirstName)
	assert.Empty(t, got.LastName)
	assert.Nil(t, got.Address)
}

func TestClient_UpdateAndDelete(t *testing.T) {
	srv := patientapitest.NewServer(t)
	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	c := newClient(t, srv)
	ctx := context.Background()

	updated, err := c.UpdatePatient(ctx, ids[0], patientapi.PatientRecord{FirstName: "Janet", Gender: patientapi.GenderFemale})
	require.NoError(t, err)
	assert.Equal(t, "Janet", updated.FirstName)

	require.NoError(t, c.DeletePatient(ctx, ids[0]))
	_, ok := srv.Patient(ids[0])
	assert.False(t, ok)
}

func TestClient_Identifiers(t *testing.T) {
	srv := patientapitest.NewServer(t)
	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	c := newClient(t, srv)
	ctx := context.Background()

	list, err := c.ListIdentifiers(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, list)

	added, err := c.AddIdentifier(ctx, ids[0], patientapi.NewIdentifier{IDType: "MRN", IDValue: "12345"})
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, "MRN", added.IDType)

	require.NoError(t, c.DeleteIdentifier(ctx, ids[0], added.ID))
	assert.Empty(t, srv.Identifiers(ids[0]))
}

func TestClient_Catalogs(t *testing.T) {
	srv := patientapitest.NewServer(t)
	c := newClient(t, srv)

	types, err := c.ListIdentifierTypes(context.Background())
	require.NoError(t, err)
	assert.Contains(t, types, patientapi.IdentifierType{Value: "NATIONAL_ID", Label: "National ID"})

	genders, err := c.ListGenders(context.Background())
	require.NoError(t, err)
	assert.Len(t, genders, 3)
}

func TestClient_ServerErrorNotifiesAndRejects(t *testing.T) {
	srv := patientapitest.NewServer(t)
	n := &recordingNotifier{}
	c := newClient(t, srv).WithNotifier(n)

	_, err := c.GetPatient(context.Background(), "missing")
	require.Error(t, err)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindServer, appErr.Kind)
	assert.Equal(t, http.StatusNotFound, appErr.Status)
	assert.Equal(t, "Patient not found", appErr.Message)
	assert.Equal(t, []string{"Patient not found"}, n.all())
}

func TestClient_DefaultMessageWhenBodyHasNone(t *testing.T) {
	srv := patientapitest.NewServer(t)
	srv.Fail(http.MethodGet, "/api/patient", http.StatusInternalServerError, "", 1)
	n := &recordingNotifier{}
	c := newClient(t, srv).WithNotifier(n)

	_, err := c.ListPatients(context.Background(), patientapi.ListQuery{Size: 10})
	require.Error(t, err)
	assert.Equal(t, "Server error - please try again later", apperrors.Message(err, ""))
	assert.Equal(t, []string{"Server error - please try again later"}, n.all())
}

func TestClient_TransportError(t *testing.T) {
	srv := patientapitest.NewServer(t)
	n := &recordingNotifier{}
	c := newClient(t, srv, func(cfg *patientapi.Config) {
		cfg.HTTPClient = patientapi.DoerFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		})
	}).WithNotifier(n)

	err := c.DeletePatient(context.Background(), "p1")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTransport))
	assert.Len(t, n.all(), 1)
}

func TestClient_WithNotifierDoesNotLeak(t *testing.T) {
	srv := patientapitest.NewServer(t)
	n := &recordingNotifier{}
	base := newClient(t, srv)
	_ = base.WithNotifier(n)

	_, err := base.GetPatient(context.Background(), "missing")
	require.Error(t, err)
	assert.Empty(t, n.all())
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	srv := patientapitest.NewServer(t)
	srv.Fail(http.MethodGet, "/api/enum/gender", http.StatusServiceUnavailable, "down", 0)
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:                "patient-service",
		Timeout:             time.Hour,
		ConsecutiveFailures: 2,
	})
	c := newClient(t, srv, func(cfg *patientapi.Config) { cfg.Breaker = cb })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.ListGenders(ctx)
		assert.Equal(t, "down", apperrors.Message(err, ""))
	}
	_, err := c.ListGenders(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTransport))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, srv.Calls(http.MethodGet, "/api/enum/gender"))
}

func TestClient_BreakerIgnoresCancelledCalls(t *testing.T) {
	srv := patientapitest.NewServer(t)
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:                "patient-service",
		Timeout:             time.Hour,
		ConsecutiveFailures: 1,
		IsFailure:           patientapi.BreakerFailure,
	})
	c := newClient(t, srv, func(cfg *patientapi.Config) { cfg.Breaker = cb })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		_, err := c.ListGenders(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, "closed", cb.State())

	_, err := c.ListGenders(context.Background())
	require.NoError(t, err)

	assert.True(t, patientapi.BreakerFailure(errors.New("connection refused")))
	assert.False(t, patientapi.BreakerFailure(fmt.Errorf("get: %w", context.DeadlineExceeded)))
}

func TestClient_BearerTokenAndMetrics(t *testing.T) {
	srv := patientapitest.NewServer(t)
	srv.Secret = "s3cret"
	m := metrics.NewMetrics("test", nil)
	c := newClient(t, srv, func(cfg *patientapi.Config) {
		cfg.Tokens = auth.NewTokenSource(auth.TokenConfig{Secret: "s3cret"})
		cfg.Metrics = m
	})

	_, err := c.ListIdentifierTypes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("GET", "/api/enum/identifier-type", "200")))
}

func TestClient_RequestIDFromContext(t *testing.T) {
	var seen string
	c, err := patientapi.NewClient(patientapi.Config{
		BaseURL: "http://patients.local",
		HTTPClient: patientapi.DoerFunc(func(req *http.Request) (*http.Response, error) {
			seen = req.Header.Get(patientapi.HeaderXRequestID)
			return nil, errors.New("stop")
		}),
	})
	require.NoError(t, err)

	ctx := patientapi.ContextWithRequestID(context.Background(), "req-42")
	_, _ = c.GetPatient(ctx, "p1")
	assert.Equal(t, "req-42", seen)
}
