// Package registry is the discovery collaborator: providers register the endpoints they
// serve, consumers discover them and keep the load balancer's endpoint cache current.
package registry

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Instance is one running provider of a microservice.
type Instance struct {
	ID        string   `json:"id"`
	AppID     string   `json:"appId"`
	Service   string   `json:"service"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"` // endpoint URIs, e.g. highway://10.0.0.1:7070
}

func (i Instance) validate() error {
	if i.ID == "" || i.Service == "" {
		return errors.Errorf("instance needs an id and a service, got %q/%q", i.ID, i.Service)
	}
	if len(i.Endpoints) == 0 {
		return errors.Errorf("instance %s of %s has no endpoints", i.ID, i.Service)
	}
	return nil
}

// Snapshot is the instance list of a service at a registry revision. Revisions only
// grow, so a consumer can drop snapshots older than the one it holds.
type Snapshot struct {
	Instances []Instance
	Revision  int64
}

// Registry stores provider instances.
type Registry interface {
	// Register publishes inst. It stays registered while the process keeps its lease
	// alive, at most ttl after the process dies.
	Register(ctx context.Context, inst Instance, ttl time.Duration) error
	Deregister(ctx context.Context, inst Instance) error
	Discover(ctx context.Context, appID, service string) (Snapshot, error)
	// Watch emits a fresh snapshot after every change to the service until ctx is done.
	// Only the latest snapshot is buffered; a slow reader skips intermediate ones.
	Watch(ctx context.Context, appID, service string) <-chan Snapshot
	Close() error
}

// offerLatest replaces whatever is buffered in ch with snap.
func offerLatest(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
