package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"alumni-sync/pkg/alumni"
)

const (
	tracerName = "alumni-sync/internal/apiclient"

	// DefaultTimeout bounds one request round trip when no HTTP client is supplied.
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 4 << 20
)

// Option mutates client construction configuration.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithTracer overrides the tracer used for request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithPropagator overrides how trace context is injected into request headers.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(c *Client) {
		if propagator != nil {
			c.propagator = propagator
		}
	}
}

// WithLogger configures the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client issues JSON requests against one backend base URL.
type Client struct {
	baseURL    *url.URL
	session    alumni.SessionReader
	httpClient *http.Client
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	logger     *slog.Logger
}

// New creates a client for baseURL. session may be nil for anonymous use.
func New(baseURL string, session alumni.SessionReader, options ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("new api client: parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("new api client: base url %q must be absolute", baseURL)
	}

	client := &Client{
		baseURL:    parsed,
		session:    session,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		tracer:     otel.Tracer(tracerName),
		propagator: otel.GetTextMapPropagator(),
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(client)
	}

	return client, nil
}

// errorBody is the backend's error envelope; either field may carry the reason.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Do sends one JSON request and decodes the response into out.
//
// body and out may be nil. Non-2xx responses return *alumni.APIError; a 2xx
// response that out cannot decode returns an error wrapping alumni.ErrProtocol.
func (c *Client) Do(ctx context.Context, method string, path string, body any, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "apiclient "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	request, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	startedAt := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	span.SetAttributes(attribute.Int("http.response.status_code", response.StatusCode))
	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	c.logger.DebugContext(ctx, "api request completed",
		"method", method,
		"path", path,
		"status", response.StatusCode,
		"duration", time.Since(startedAt),
	)

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return &alumni.APIError{
			Method:  method,
			Path:    path,
			Status:  response.StatusCode,
			Message: errorMessage(payload, response.StatusCode),
		}
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, errors.Join(alumni.ErrProtocol, err))
	}

	return nil
}

func (c *Client) newRequest(ctx context.Context, method string, path string, body any) (*http.Request, error) {
	target, err := c.baseURL.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: resolve path: %w", method, path, err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encode body: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("%s %s: build request: %w", method, path, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if credential := c.credential(); !credential.IsZero() {
		request.Header.Set("Authorization", "Bearer "+credential.String())
	}
	c.propagator.Inject(ctx, propagation.HeaderCarrier(request.Header))

	return request, nil
}

func (c *Client) credential() alumni.Credential {
	if c.session == nil {
		return ""
	}
	current, ok := c.session.Session()
	if !ok {
		return ""
	}

	return current.Credential
}

func errorMessage(payload []byte, status int) string {
	var parsed errorBody
	if err := json.Unmarshal(payload, &parsed); err == nil {
		if message := strings.TrimSpace(parsed.Message); message != "" {
			return message
		}
		if message := strings.TrimSpace(parsed.Error); message != "" {
			return message
		}
	}

	return fmt.Sprintf("HTTP %d", status)
}
