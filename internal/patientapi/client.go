// Package patientapi is the typed client for the patient REST service.
package patientapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/patient-console/pkg/auth"
	"github.com/jwalitptl/patient-console/pkg/circuitbreaker"
	"github.com/jwalitptl/patient-console/pkg/metrics"
)

const (
	routePatients       = "/api/patient"
	routePatient        = "/api/patient/:id"
	routeIdentifiers    = "/api/patient/:id/identifier"
	routeIdentifier     = "/api/patient/:id/identifier/:identifierId"
	routeIdentifierType = "/api/enum/identifier-type"
	routeGender         = "/api/enum/gender"
)

type Config struct {
	BaseURL string
	Timeout time.Duration

	// HTTPClient is the innermost Doer. Defaults to an *http.Client with Timeout.
	HTTPClient Doer
	Logger     *zerolog.Logger
	Metrics    *metrics.Metrics
	Limiter    *rate.Limiter
	Breaker    *circuitbreaker.CircuitBreaker
	Tokens     *auth.TokenSource
}

// Client is stateless apart from its notifier; one call in, one result or
// failure out.
type Client struct {
	base     *url.URL
	doer     Doer
	notifier Notifier
}

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid patient service url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid patient service url %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	doer := Chain(httpClient,
		RequestID(),
		Logging(logger),
		Metrics(cfg.Metrics),
		RateLimit(cfg.Limiter),
		Breaker(cfg.Breaker),
		Bearer(cfg.Tokens),
	)
	return &Client{base: base, doer: doer}, nil
}

// WithNotifier returns a client that reports failures to n. The receiver is
// not modified.
func (c *Client) WithNotifier(n Notifier) *Client {
	cp := *c
	cp.notifier = n
	return &cp
}

func (c *Client) ListPatients(ctx context.Context, q ListQuery) (Page[PatientSummary], error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("size", strconv.Itoa(q.Size))
	if id := strings.TrimSpace(q.ID); id != "" {
		params.Set("id", id)
	} else if name := strings.TrimSpace(q.Name); name != "" {
		params.Set("name", name)
	}

	var page Page[PatientSummary]
	if err := c.do(ctx, http.MethodGet, routePatients, []string{"api", "patient"}, params, nil, &page); err != nil {
		return Page[PatientSummary]{}, err
	}
	if page.Content == nil {
		page.Content = []PatientSummary{}
	}
	return page, nil
}

func (c *Client) CreatePatient(ctx context.Context, rec PatientRecord) (PatientRecord, error) {
	var out PatientRecord
	err := c.do(ctx, http.MethodPost, routePatients, []string{"api", "patient"}, nil, rec, &out)
	return out, err
}

func (c *Client) GetPatient(ctx context.Context, id string) (PatientRecord, error) {
	var out PatientRecord
	err := c.do(ctx, http.MethodGet, routePatient, []string{"api", "patient", id}, nil, nil, &out)
	return out, err
}

func (c *Client) UpdatePatient(ctx context.Context, id string, rec PatientRecord) (PatientRecord, error) {
	var out PatientRecord
	err := c.do(ctx, http.MethodPut, routePatient, []string{"api", "patient", id}, nil, rec, &out)
	return out, err
}

func (c *Client) DeletePatient(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, routePatient, []string{"api", "patient", id}, nil, nil, nil)
}

func (c *Client) ListIdentifiers(ctx context.Context, patientID string) ([]Identifier, error) {
	var out []Identifier
	if err := c.do(ctx, http.MethodGet, routeIdentifiers, []string{"api", "patient", patientID, "identifier"}, nil, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Identifier{}
	}
	return out, nil
}

func (c *Client) AddIdentifier(ctx context.Context, patientID string, in NewIdentifier) (Identifier, error) {
	var out Identifier
	err := c.do(ctx, http.MethodPost, routeIdentifiers, []string{"api", "patient", patientID, "identifier"}, nil, in, &out)
	return out, err
}

func (c *Client) DeleteIdentifier(ctx context.Context, patientID, identifierID string) error {
	return c.do(ctx, http.MethodDelete, routeIdentifier,
		[]string{"api", "patient", patientID, "identifier", identifierID}, nil, nil, nil)
}

// ListIdentifierTypes fetches the identifier type catalog.
func (c *Client) ListIdentifierTypes(ctx context.Context) ([]IdentifierType, error) {
	return c.enum(ctx, routeIdentifierType, "identifier-type")
}

// ListGenders fetches the gender catalog.
func (c *Client) ListGenders(ctx context.Context) ([]IdentifierType, error) {
	return c.enum(ctx, routeGender, "gender")
}

func (c *Client) enum(ctx context.Context, route, name string) ([]IdentifierType, error) {
	var out []IdentifierType
	if err := c.do(ctx, http.MethodGet, route, []string{"api", "enum", name}, nil, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []IdentifierType{}
	}
	return out, nil
}

// do sends one request. segments are unescaped path segments below the base URL.
func (c *Client) do(ctx context.Context, method, route string, segments []string, query url.Values, in, out interface{}) error {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := c.base.JoinPath(escaped...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, route, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(withRoute(ctx, route), method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, route, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := Chain(c.doer, Intercept(c.notifier)).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode %s %s: %w", method, route, err)
	}
	return nil
}

// Ping checks that the patient service answers with the cheapest catalog call.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListGenders(ctx)
	return err
}
