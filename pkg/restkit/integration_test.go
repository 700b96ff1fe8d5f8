package restkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/diwise/restkit/internal/testapi"
	rkerrors "github.com/diwise/restkit/pkg/restkit/errors"
	"github.com/matryer/is"
)

func TestListingPaginatesAcrossTheWholeCollection(t *testing.T) {
	is, api, connection := setupIntegrationTest(t)
	defer api.Close()

	for i := 0; i < 5; i++ {
		api.AddCluster(map[string]any{"name": fmt.Sprintf("cluster-%d", i)})
	}

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	count := 0
	iterator := clusters.All(nil)
	for iterator.Next(context.Background()) {
		count++
	}

	is.NoErr(iterator.Err())
	is.Equal(count, 5)
	is.Equal(api.RequestCount(), 3) // five clusters, two per page
}

func TestTraversalToANestedResourceCostsOneRequest(t *testing.T) {
	is, api, connection := setupIntegrationTest(t)
	defer api.Close()

	clusterID := api.AddCluster(map[string]any{"name": "prod"})
	nodeID := api.AddNode(clusterID, map[string]any{"name": "node-1", "role": "worker"})

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	cluster, err := clusters.Get(context.Background(), clusterID, false)
	is.NoErr(err)

	nodes, err := cluster.Nested("nodes")
	is.NoErr(err)

	node, err := nodes.Get(context.Background(), nodeID, false)
	is.NoErr(err)

	// the cluster itself is never fetched, only the node
	status, err := node.Field(context.Background(), "status")
	is.NoErr(err)
	is.Equal(status, "READY")
	is.Equal(api.RequestCount(), 1)
}

func TestCreateUpdateDeleteRoundtrip(t *testing.T) {
	is, api, connection := setupIntegrationTest(t)
	defer api.Close()

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	created, err := clusters.Create(context.Background(), map[string]any{"name": "prod"})
	is.NoErr(err)
	is.True(created.IsPartial())

	status, err := created.Field(context.Background(), "status")
	is.NoErr(err)
	is.Equal(status, "BUILDING")

	updated, err := clusters.Update(context.Background(), created.CacheKey(), map[string]any{"name": "renamed"})
	is.NoErr(err)
	is.True(!updated.IsPartial())

	name, err := updated.Field(context.Background(), "name")
	is.NoErr(err)
	is.Equal(name, "renamed")

	err = clusters.Delete(context.Background(), updated)
	is.NoErr(err)

	_, err = clusters.Get(context.Background(), updated.CacheKey(), true)
	is.True(errors.Is(err, rkerrors.ErrNotFound))
}

func TestCreateConflictSurfacesTheServerDetail(t *testing.T) {
	is, api, connection := setupIntegrationTest(t)
	defer api.Close()

	api.AddCluster(map[string]any{"name": "prod"})

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	_, err = clusters.Create(context.Background(), map[string]any{"name": "prod"})
	is.True(errors.Is(err, rkerrors.ErrConflict))

	var apiErr *rkerrors.APIError
	is.True(errors.As(err, &apiErr))
	is.Equal(apiErr.Message, `a cluster named "prod" already exists`)
}

func TestActionInvalidatesTheCachedInstance(t *testing.T) {
	is, api, connection := setupIntegrationTest(t)
	defer api.Close()

	clusterID := api.AddCluster(map[string]any{"name": "prod"})

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	cluster, err := clusters.Get(context.Background(), clusterID, true)
	is.NoErr(err)

	err = cluster.Action(context.Background(), "restart", nil)
	is.NoErr(err)
	is.Equal(api.Cluster(clusterID)["status"], "RESTARTING")

	// the pre-action state is gone from the cache, a forced fetch sees
	// the new status
	refetched, err := clusters.Get(context.Background(), clusterID, true)
	is.NoErr(err)

	status, err := refetched.Field(context.Background(), "status")
	is.NoErr(err)
	is.Equal(status, "RESTARTING")
}

func TestFindByAsksTheServerToFilter(t *testing.T) {
	is, api, connection := setupIntegrationTest(t)
	defer api.Close()

	api.AddCluster(map[string]any{"name": "staging"})
	wanted := api.AddCluster(map[string]any{"name": "prod"})
	api.AddCluster(map[string]any{"name": "dev"})

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	found, err := clusters.FindBy(context.Background(), "name", "prod")
	is.NoErr(err)
	is.Equal(found.CacheKey(), wanted)
	is.Equal(api.RequestCount(), 1)

	again, err := clusters.FindBy(context.Background(), "name", "prod")
	is.NoErr(err)
	is.Equal(again, found)
	is.Equal(api.RequestCount(), 1)
}

func TestRelatedFlavorSharesTheRootCache(t *testing.T) {
	is, api, connection := setupIntegrationTest(t)
	defer api.Close()

	api.AddFlavor("m1", map[string]any{"name": "m1.small", "vcpus": 2})
	clusterID := api.AddCluster(map[string]any{"name": "prod", "flavorId": "m1"})

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	cluster, err := clusters.Get(context.Background(), clusterID, true)
	is.NoErr(err)

	flavor, err := cluster.Related(context.Background(), "flavorRef")
	is.NoErr(err)
	is.True(flavor.IsPartial())

	vcpus, err := flavor.Field(context.Background(), "vcpus")
	is.NoErr(err)
	is.Equal(vcpus, json.Number("2"))

	// completing the reference populated the flavor root cache
	flavors, err := connection.Manager("flavor")
	is.NoErr(err)

	cached, err := flavors.Get(context.Background(), "m1", false)
	is.NoErr(err)
	is.True(!cached.IsPartial())
}

func TestStatusSingletonEndpoint(t *testing.T) {
	is, api, connection := setupIntegrationTest(t)
	defer api.Close()

	status, err := connection.Endpoint("status")
	is.NoErr(err)

	version, err := status.Field(context.Background(), "version")
	is.NoErr(err)
	is.Equal(version, "2.4.1")
}

func TestNodeListingsCompleteLazily(t *testing.T) {
	is, api, connection := setupIntegrationTest(t)
	defer api.Close()

	clusterID := api.AddCluster(map[string]any{"name": "prod"})
	api.AddNode(clusterID, map[string]any{"name": "node-1", "role": "worker"})
	api.AddNode(clusterID, map[string]any{"name": "node-2", "role": "control-plane"})

	clusters, err := connection.Manager("cluster")
	is.NoErr(err)

	cluster, err := clusters.Get(context.Background(), clusterID, false)
	is.NoErr(err)

	nodes, err := cluster.Nested("nodes")
	is.NoErr(err)

	roles := []string{}
	iterator := nodes.All(nil)
	for iterator.Next(context.Background()) {
		node := iterator.Resource()
		is.True(node.IsPartial()) // the listing carries only id and name

		role, err := node.Field(context.Background(), "role")
		is.NoErr(err)
		roles = append(roles, role.(string))
	}

	is.NoErr(iterator.Err())
	is.Equal(roles, []string{"worker", "control-plane"})
	is.Equal(api.RequestCount(), 3) // one listing, one completion per node
}

func setupIntegrationTest(t *testing.T) (*is.I, *testapi.Server, *Connection) {
	is := is.New(t)

	registry, err := NewRegistry(
		NewType("cluster", "/clusters/", Root(), CacheKeys("name"),
			FieldAlias("flavor", "flavorId"),
			Nested("nodes", "node"),
			RelatedByID("flavorRef", "flavorId", "flavor"),
		),
		NewType("node", "/nodes/", ListPartial()),
		NewType("flavor", "/flavors", Root(), CacheKeys("name"), UpdateVerb(http.MethodPut)),
		NewType("status", "/status", Unmanaged()),
	)
	is.NoErr(err)

	api := testapi.NewServer()
	return is, api, New(api.URL(), registry)
}
