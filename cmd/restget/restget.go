package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/diwise/restkit/pkg/restkit"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
)

const (
	appName string = "restget"
)

func main() {
	appVersion := buildinfo.SourceVersion()

	ctx, log, cleanup := o11y.Init(context.Background(), appName, appVersion, "json")
	defer cleanup()

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <type> [key]\n", appName)
		os.Exit(1)
	}

	baseURL := env.GetVariableOrDefault(ctx, "RESTKIT_BASEURL", "http://localhost:8080")
	catalogPath := env.GetVariableOrDefault(ctx, "RESTKIT_CATALOG", "catalog.yaml")

	registry, err := loadRegistry(catalogPath)
	if err != nil {
		log.Error("failed to load resource catalog", "err", err.Error())
		os.Exit(1)
	}

	options := []func(*restkit.Connection){}
	if token := env.GetVariableOrDefault(ctx, "RESTKIT_TOKEN", ""); token != "" {
		options = append(options, restkit.Header("Authorization", "Bearer "+token))
	}

	connection := restkit.New(baseURL, registry, options...)

	manager, err := connection.Manager(os.Args[1])
	if err != nil {
		log.Error("unknown resource type", "type", os.Args[1], "err", err.Error())
		os.Exit(1)
	}

	if len(os.Args) < 3 {
		err = listAll(ctx, manager)
	} else {
		err = getOne(ctx, manager, os.Args[2])
	}

	if err != nil {
		log.Error("request failed", "err", err.Error())
		os.Exit(1)
	}
}

func loadRegistry(path string) (*restkit.Registry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return restkit.LoadCatalog(file)
}

func listAll(ctx context.Context, manager *restkit.ResourceManager) error {
	iterator := manager.All(nil)

	for iterator.Next(ctx) {
		if err := printResource(iterator.Resource()); err != nil {
			return err
		}
	}

	return iterator.Err()
}

func getOne(ctx context.Context, manager *restkit.ResourceManager, key string) error {
	resource, err := manager.Get(ctx, key, true)
	if err != nil {
		return err
	}

	return printResource(resource)
}

func printResource(resource *restkit.Resource) error {
	encoded, err := json.MarshalIndent(resource.Data(), "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(encoded))
	return nil
}
