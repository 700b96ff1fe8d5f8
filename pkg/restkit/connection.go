package restkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"

	rkerrors "github.com/diwise/restkit/pkg/restkit/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Response is what the transport hands back for any completed exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the response body, keeping numbers as json.Number so that
// numeric primary keys round-trip faithfully. An empty body decodes to nil.
func (r *Response) JSON() (Value, error) {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(r.Body))
	decoder.UseNumber()

	var value Value
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("response body is not valid JSON: %w", err)
	}

	return value, nil
}

// ErrorMessageExtractor pulls a human readable message out of an error
// response, used to build the message of the mapped status-coded error.
type ErrorMessageExtractor func(*Response) string

// Connection is an authenticated connection to one API. It owns the set of
// per-type caches, so root and nested managers for a type share canonical
// instances, and it memoizes the root manager for each root-declared type.
type Connection struct {
	baseURL    string
	registry   *Registry
	httpClient *http.Client
	headers    http.Header
	debug      bool
	errMessage ErrorMessageExtractor

	mu     sync.Mutex
	caches map[string]*Cache
	roots  map[string]*ResourceManager
}

func New(baseURL string, registry *Registry, options ...func(*Connection)) *Connection {
	c := &Connection{
		baseURL:  strings.TrimRight(baseURL, "/"),
		registry: registry,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		headers:    http.Header{},
		errMessage: DefaultErrorMessageExtractor,
		caches:     map[string]*Cache{},
		roots:      map[string]*ResourceManager{},
	}

	for _, option := range options {
		option(c)
	}

	return c
}

func Debug(enabled bool) func(*Connection) {
	return func(c *Connection) {
		c.debug = enabled
	}
}

func HTTPClient(client *http.Client) func(*Connection) {
	return func(c *Connection) {
		c.httpClient = client
	}
}

// Header adds a header to every request sent over this connection, such as
// an authentication token.
func Header(key, value string) func(*Connection) {
	return func(c *Connection) {
		c.headers.Add(key, value)
	}
}

func WithErrorMessageExtractor(extract ErrorMessageExtractor) func(*Connection) {
	return func(c *Connection) {
		c.errMessage = extract
	}
}

// Registry returns the resource type registry this connection was built with.
func (c *Connection) Registry() *Registry {
	return c.registry
}

// ResourceCache returns (creating on first use) the single shared cache for
// a type on this connection.
func (c *Connection) ResourceCache(t *ResourceType) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()

	cache, ok := c.caches[t.Name]
	if !ok {
		cache = NewCache()
		c.caches[t.Name] = cache
	}

	return cache
}

// RootManager returns the manager bound to the connection base for a
// root-declared type, or nil for types that are only reachable nested.
func (c *Connection) RootManager(t *ResourceType) *ResourceManager {
	if t == nil || !t.Root {
		return nil
	}

	c.mu.Lock()
	manager, ok := c.roots[t.Name]
	c.mu.Unlock()
	if ok {
		return manager
	}

	manager = newResourceManager(t, c, c.ResourceCache(t), nil)

	c.mu.Lock()
	c.roots[t.Name] = manager
	c.mu.Unlock()

	return manager
}

// Manager looks up a root-declared type by name and returns its manager.
func (c *Connection) Manager(typeName string) (*ResourceManager, error) {
	t, err := c.registry.Lookup(typeName)
	if err != nil {
		return nil, err
	}

	manager := c.RootManager(t)
	if manager == nil {
		return nil, rkerrors.NewResolutionError(fmt.Sprintf("resource type %q is not declared as a root resource", typeName))
	}

	return manager, nil
}

// Endpoint attaches an unmanaged singleton resource directly to the
// connection base, such as a /status or /limits endpoint.
func (c *Connection) Endpoint(typeName string) (*Resource, error) {
	t, err := c.registry.Lookup(typeName)
	if err != nil {
		return nil, err
	}

	if !t.Unmanaged {
		return nil, rkerrors.NewResolutionError(fmt.Sprintf("resource type %q is cache-managed and cannot be attached as a bare endpoint", typeName))
	}

	manager := newResourceManager(t, c, nil, nil)
	return newResource(manager, map[string]any{}, true, t.Endpoint, nil), nil
}

func (c *Connection) Get(ctx context.Context, path string, params map[string]string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, params, nil)
}

func (c *Connection) Post(ctx context.Context, path string, body Value) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, nil, body)
}

func (c *Connection) Put(ctx context.Context, path string, body Value) (*Response, error) {
	return c.Do(ctx, http.MethodPut, path, nil, body)
}

func (c *Connection) Patch(ctx context.Context, path string, body Value) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, path, nil, body)
}

func (c *Connection) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Do sends a single request and maps the outcome onto the error taxonomy:
// transport failures become ErrConnection, status codes >= 400 become
// APIError. No retries happen here; every failure propagates outward once.
func (c *Connection) Do(ctx context.Context, method, path string, params map[string]string, body Value) (*Response, error) {
	targetURL, err := c.resolveURL(path, params)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, targetURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	request.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for key, values := range c.headers {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}

	requestID := uuid.New().String()
	request.Header.Set("X-Request-Id", requestID)

	log := logging.GetFromContext(ctx)
	log.Debug("api request",
		slog.String("method", method),
		slog.String("url", targetURL),
		slog.String("request_id", requestID),
	)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, rkerrors.NewConnectionError("failed to send request", err)
	}

	defer response.Body.Close()
	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, rkerrors.NewConnectionError("failed to read response body", err)
	}

	result := &Response{
		StatusCode: response.StatusCode,
		Header:     response.Header.Clone(),
		Body:       responseBody,
	}

	if response.StatusCode >= http.StatusBadRequest {
		if c.debug {
			reqbytes, _ := httputil.DumpRequest(request, false)
			respbytes, _ := httputil.DumpResponse(response, false)
			log.Error("request failed", slog.String("request", string(reqbytes)), slog.String("response", string(respbytes)))
		}

		return nil, rkerrors.NewAPIError(response.StatusCode, c.errMessage(result))
	}

	return result, nil
}

// resolveURL uses absolute URLs as-is (pagination cursors may be absolute)
// and joins plain paths onto the connection base.
func (c *Connection) resolveURL(path string, params map[string]string) (string, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + path
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid request url %q: %w", target, err)
	}

	if len(params) > 0 {
		values := parsed.Query()
		keys := make([]string, 0, len(params))
		for key := range params {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			values.Set(key, params[key])
		}
		parsed.RawQuery = values.Encode()
	}

	return parsed.String(), nil
}

// DefaultErrorMessageExtractor tries the common JSON error envelope fields
// and falls back to the raw body.
func DefaultErrorMessageExtractor(response *Response) string {
	body, err := response.JSON()
	if err == nil {
		if object, ok := body.(map[string]any); ok {
			for _, field := range []string{"detail", "message", "error", "title"} {
				if value, found := object[field].(string); found && value != "" {
					return value
				}
			}
		}
	}

	trimmed := strings.TrimSpace(string(response.Body))
	if len(trimmed) > 512 {
		trimmed = trimmed[:512]
	}

	return trimmed
}
