package restkit

import (
	"context"
	"errors"
	"net/http"
	"testing"

	rkerrors "github.com/diwise/restkit/pkg/restkit/errors"
	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/response"

	"github.com/matryer/is"
)

func TestFieldOnCompleteInstanceNeverFetches(t *testing.T) {
	is, connection := setupManagerTest(t, "http://api.internal")

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	cluster := clusters.MakeInstance(map[string]any{"id": "abc", "name": "prod"}, false)

	name, err := cluster.Field(context.Background(), "name")
	is.NoErr(err)
	is.Equal(name, "prod")

	_, err = cluster.Field(context.Background(), "owner")
	is.True(errors.Is(err, rkerrors.ErrMissingField))
}

func TestMissingFieldAfterCompletion(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, method(http.MethodGet), path("/clusters/abc/")),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusOK),
			response.Body([]byte(`{"id":"abc","name":"prod"}`)),
		),
	)
	defer s.Close()

	_, connection := setupManagerTest(t, s.URL())
	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	cluster, err := clusters.Get(context.Background(), "abc", false)
	is.NoErr(err)

	// the one completing fetch happens, then the absence is final
	_, err = cluster.Field(context.Background(), "owner")
	is.True(errors.Is(err, rkerrors.ErrMissingField))
	is.Equal(s.RequestCount(), 1)

	_, err = cluster.Field(context.Background(), "owner")
	is.True(errors.Is(err, rkerrors.ErrMissingField))
	is.Equal(s.RequestCount(), 1)
}

func TestDataReturnsAnIndependentSnapshot(t *testing.T) {
	is, connection := setupManagerTest(t, "http://api.internal")

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	cluster := clusters.MakeInstance(map[string]any{
		"id":   "abc",
		"tags": []any{"a", "b"},
		"meta": map[string]any{"zone": "eu-1"},
	}, false)

	data := cluster.Data()
	data["id"] = "mutated"
	data["meta"].(map[string]any)["zone"] = "mutated"

	fresh := cluster.Data()
	is.Equal(fresh["id"], "abc")
	is.Equal(fresh["meta"].(map[string]any)["zone"], "eu-1")
}

func TestPrimaryKeyNeverTriggersAFetch(t *testing.T) {
	is, connection := setupManagerTest(t, "http://api.internal")

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	partial, err := clusters.Get(context.Background(), "abc", false)
	is.NoErr(err)

	key, ok := partial.PrimaryKey()
	is.True(ok)
	is.Equal(key, "abc")
	is.Equal(partial.CacheKey(), "abc")
}

func TestResourceEquality(t *testing.T) {
	is, connection := setupManagerTest(t, "http://api.internal")

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)
	flavors, err := connection.Manager("flavor")
	is.NoErr(err)

	a := newResource(clusters, map[string]any{"id": "abc", "name": "prod"}, false, "", nil)
	b := newResource(clusters, map[string]any{"id": "abc", "name": "prod"}, false, "", nil)
	c := newResource(clusters, map[string]any{"id": "abc", "name": "staging"}, false, "", nil)
	d := newResource(flavors, map[string]any{"id": "abc", "name": "prod"}, false, "", nil)

	is.True(a.Equal(b))
	is.True(!a.Equal(c))  // same type, different data
	is.True(!a.Equal(d))  // same data, different type
	is.True(!a.Equal(nil))
}

func TestNestedManagerIsMemoizedPerInstance(t *testing.T) {
	is, connection := setupManagerTest(t, "http://api.internal")

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	cluster, err := clusters.Get(context.Background(), "abc", false)
	is.NoErr(err)

	first, err := cluster.Nested("nodes")
	is.NoErr(err)
	second, err := cluster.Nested("nodes")
	is.NoErr(err)

	is.Equal(first, second)
	is.Equal(first.Parent(), cluster)
}

func TestNestedFailsForUndeclaredRelations(t *testing.T) {
	is, connection := setupManagerTest(t, "http://api.internal")

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	cluster, err := clusters.Get(context.Background(), "abc", false)
	is.NoErr(err)

	_, err = cluster.Nested("volumes")
	is.True(errors.Is(err, rkerrors.ErrResolution))

	// flavorRef is declared, but it is a reference, not a nested collection
	_, err = cluster.Nested("flavorRef")
	is.True(errors.Is(err, rkerrors.ErrResolution))
}
