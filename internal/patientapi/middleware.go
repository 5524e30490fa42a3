package patientapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/patient-console/pkg/auth"
	"github.com/jwalitptl/patient-console/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/patient-console/pkg/errors"
	"github.com/jwalitptl/patient-console/pkg/metrics"
)

const HeaderXRequestID = "X-Request-ID"

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type DoerFunc func(req *http.Request) (*http.Response, error)

func (f DoerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// Middleware decorates a Doer.
type Middleware func(next Doer) Doer

// Chain wraps base with mws. The first middleware is the outermost.
func Chain(base Doer, mws ...Middleware) Doer {
	d := base
	for i := len(mws) - 1; i >= 0; i-- {
		d = mws[i](d)
	}
	return d
}

// Notifier receives the human-readable text of every failed call.
type Notifier interface {
	ShowError(message string)
}

type ctxKey int

const (
	routeKey ctxKey = iota
	requestIDKey
)

// ContextWithRequestID makes outgoing calls reuse id instead of minting one.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func withRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKey, route)
}

// routeOf returns the route template of req, falling back to the raw path.
func routeOf(req *http.Request) string {
	if r, ok := req.Context().Value(routeKey).(string); ok && r != "" {
		return r
	}
	return req.URL.Path
}

// RequestID stamps X-Request-ID on every call.
func RequestID() Middleware {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			if req.Header.Get(HeaderXRequestID) == "" {
				id := RequestIDFromContext(req.Context())
				if id == "" {
					id = uuid.New().String()
				}
				req.Header.Set(HeaderXRequestID, id)
			}
			return next.Do(req)
		})
	}
}

// Logging logs each call with its outcome.
func Logging(logger zerolog.Logger) Middleware {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.Do(req)

			evt := logger.Debug()
			switch {
			case err != nil:
				evt = logger.Warn().Err(err)
			case resp.StatusCode >= 500:
				evt = logger.Error().Int("status", resp.StatusCode)
			case resp.StatusCode >= 400:
				evt = logger.Warn().Int("status", resp.StatusCode)
			default:
				evt = evt.Int("status", resp.StatusCode)
			}
			evt.Str("request_id", req.Header.Get(HeaderXRequestID)).
				Str("method", req.Method).
				Str("route", routeOf(req)).
				Dur("latency", time.Since(start)).
				Msg("Upstream call")
			return resp, err
		})
	}
}

// Metrics records call counts and latency per route template.
func Metrics(m *metrics.Metrics) Middleware {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.Do(req)
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			m.RecordUpstream(req.Method, routeOf(req), status, time.Since(start))
			return resp, err
		})
	}
}

// RateLimit waits for a token before each call. A cancelled context fails
// the call without sending it.
func RateLimit(limiter *rate.Limiter) Middleware {
	return func(next Doer) Doer {
		if limiter == nil {
			return next
		}
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			if err := limiter.Wait(req.Context()); err != nil {
				return nil, fmt.Errorf("rate limit: %w", err)
			}
			return next.Do(req)
		})
	}
}

// errServerStatus tells the breaker a 5xx came back; the response itself is
// still returned to the caller.
var errServerStatus = errors.New("upstream server error")

// BreakerFailure reports whether err should count against the breaker. A
// caller giving up says nothing about the patient service.
func BreakerFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Breaker counts transport failures and 5xx responses against cb.
func Breaker(cb *circuitbreaker.CircuitBreaker) Middleware {
	return func(next Doer) Doer {
		if cb == nil {
			return next
		}
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			var resp *http.Response
			err := cb.Execute(func() error {
				r, err := next.Do(req)
				if err != nil {
					return err
				}
				resp = r
				if r.StatusCode >= 500 {
					return errServerStatus
				}
				return nil
			})
			if err != nil && !errors.Is(err, errServerStatus) {
				return nil, err
			}
			return resp, nil
		})
	}
}

// Bearer attaches a service token. A nil source sends none.
func Bearer(src *auth.TokenSource) Middleware {
	return func(next Doer) Doer {
		if src == nil {
			return next
		}
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			token, err := src.Token()
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			return next.Do(req)
		})
	}
}

// Intercept turns failures into *errors.AppError, raises the message on n
// and still returns the error so the caller's own handling runs.
func Intercept(n Notifier) Middleware {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			resp, err := next.Do(req)
			if err != nil {
				appErr, ok := apperrors.As(err)
				if !ok {
					appErr = apperrors.NewTransport(err)
				}
				notify(n, appErr.Message)
				return nil, appErr
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				appErr := apperrors.NewServer(resp.StatusCode, readMessage(resp))
				notify(n, appErr.Message)
				return nil, appErr
			}
			return resp, nil
		})
	}
}

func notify(n Notifier, message string) {
	if n != nil {
		n.ShowError(message)
	}
}

// readMessage extracts {"message": "..."} from an error body and closes it.
func readMessage(resp *http.Response) string {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Message
}
