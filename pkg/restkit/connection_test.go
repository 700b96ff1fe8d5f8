package restkit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	rkerrors "github.com/diwise/restkit/pkg/restkit/errors"
	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/diwise/service-chassis/pkg/test/http/response"

	"github.com/matryer/is"
)

var Expects = testutils.Expects
var Returns = testutils.Returns
var anyInput = expects.AnyInput
var method = expects.RequestMethod
var path = expects.RequestPath
var body = expects.RequestBody

func TestGetReturnsResponseBody(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, method(http.MethodGet), path("/clusters/c-1/")),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusOK),
			response.Body([]byte(`{"id":"c-1","name":"prod"}`)),
		),
	)
	defer s.Close()

	connection := New(s.URL(), emptyRegistry(t))

	result, err := connection.Get(context.Background(), "/clusters/c-1/", nil)
	is.NoErr(err)
	is.Equal(result.StatusCode, http.StatusOK)

	decoded, err := result.JSON()
	is.NoErr(err)
	is.Equal(decoded.(map[string]any)["name"], "prod")
}

func TestPostSendsJSONBody(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is,
			method(http.MethodPost),
			path("/clusters/"),
			body(`{"flavorId":"f1","name":"prod"}`),
		),
		Returns(
			response.Code(http.StatusCreated),
			response.Body([]byte(`{"id":"c-1"}`)),
		),
	)
	defer s.Close()

	connection := New(s.URL(), emptyRegistry(t))

	result, err := connection.Post(context.Background(), "/clusters/", map[string]any{"name": "prod", "flavorId": "f1"})
	is.NoErr(err)
	is.Equal(result.StatusCode, http.StatusCreated)
}

func TestErrorStatusMapsToAPIError(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusNotFound),
			response.Body([]byte(`{"detail":"no such cluster"}`)),
		),
	)
	defer s.Close()

	connection := New(s.URL(), emptyRegistry(t))

	_, err := connection.Get(context.Background(), "/clusters/c-404/", nil)
	is.True(err != nil)
	is.True(errors.Is(err, rkerrors.ErrNotFound))

	var apiErr *rkerrors.APIError
	is.True(errors.As(err, &apiErr))
	is.Equal(apiErr.Message, "no such cluster")
}

func TestTransportFailureIsConnectionError(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(Expects(is, anyInput()), Returns(response.Code(http.StatusOK)))
	baseURL := s.URL()
	s.Close()

	connection := New(baseURL, emptyRegistry(t))

	_, err := connection.Get(context.Background(), "/clusters/", nil)
	is.True(errors.Is(err, rkerrors.ErrConnection))
}

func TestAbsoluteURLsBypassTheBase(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, method(http.MethodGet), path("/elsewhere/")),
		Returns(response.Code(http.StatusOK), response.Body([]byte(`{}`))),
	)
	defer s.Close()

	// cursors in list envelopes may be absolute URLs
	connection := New("http://base.invalid", emptyRegistry(t))

	_, err := connection.Get(context.Background(), s.URL()+"/elsewhere/", nil)
	is.NoErr(err)
}

func TestQueryParamsAreMergedAndSorted(t *testing.T) {
	is := is.New(t)

	var requestedURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedURL = r.URL.String()
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	connection := New(server.URL, emptyRegistry(t))

	_, err := connection.Get(context.Background(), "/clusters/?cursor=2", map[string]string{"name": "prod", "limit": "10"})
	is.NoErr(err)
	is.Equal(requestedURL, "/clusters/?cursor=2&limit=10&name=prod")
}

func TestExtraHeadersAreSent(t *testing.T) {
	is := is.New(t)

	var authorization string
	var requestID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization = r.Header.Get("Authorization")
		requestID = r.Header.Get("X-Request-Id")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	connection := New(server.URL, emptyRegistry(t), Header("Authorization", "Bearer token"))

	_, err := connection.Get(context.Background(), "/clusters/", nil)
	is.NoErr(err)
	is.Equal(authorization, "Bearer token")
	is.True(requestID != "")
}

func TestNumbersSurviveDecodingAsJSONNumber(t *testing.T) {
	is := is.New(t)

	result := &Response{StatusCode: http.StatusOK, Body: []byte(`{"id":9007199254740993}`)}

	decoded, err := result.JSON()
	is.NoErr(err)

	id := decoded.(map[string]any)["id"]
	number, ok := id.(json.Number)
	is.True(ok)
	is.Equal(number.String(), "9007199254740993")
}

func TestEmptyBodyDecodesToNil(t *testing.T) {
	is := is.New(t)

	result := &Response{StatusCode: http.StatusAccepted, Body: []byte("  ")}

	decoded, err := result.JSON()
	is.NoErr(err)
	is.Equal(decoded, nil)
}

func TestCustomErrorMessageExtractor(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(
			response.Code(http.StatusBadRequest),
			response.Body([]byte(`{"faultstring":"boom"}`)),
		),
	)
	defer s.Close()

	connection := New(s.URL(), emptyRegistry(t), WithErrorMessageExtractor(func(r *Response) string {
		decoded, _ := r.JSON()
		if object, ok := decoded.(map[string]any); ok {
			if fault, ok := object["faultstring"].(string); ok {
				return fault
			}
		}
		return ""
	}))

	_, err := connection.Get(context.Background(), "/clusters/", nil)

	var apiErr *rkerrors.APIError
	is.True(errors.As(err, &apiErr))
	is.Equal(apiErr.Message, "boom")
}

func TestDefaultErrorMessageExtractorFallsBackToRawBody(t *testing.T) {
	is := is.New(t)

	message := DefaultErrorMessageExtractor(&Response{Body: []byte("  upstream exploded  ")})
	is.Equal(message, "upstream exploded")

	message = DefaultErrorMessageExtractor(&Response{Body: []byte(`{"detail":"broken"}`)})
	is.Equal(message, "broken")
}

func emptyRegistry(t *testing.T) *Registry {
	registry, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	return registry
}
