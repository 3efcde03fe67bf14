package registry

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hiway-rpc/invocation"
	"hiway-rpc/loadbalance"
)

// Refresher keeps endpoint groups in a load balancer cache in step with a registry.
// Each subscribed group is discovered once up front and then followed through Watch.
type Refresher struct {
	registry Registry
	cache    *loadbalance.Cache
	logger   *zap.Logger

	mu      sync.Mutex
	cancels map[loadbalance.GroupKey]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRefresher feeds cache from reg. Nothing is watched until Subscribe.
func NewRefresher(reg Registry, cache *loadbalance.Cache, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		registry: reg,
		cache:    cache,
		logger:   logger.Named("refresher"),
		cancels:  make(map[loadbalance.GroupKey]context.CancelFunc),
	}
}

// Subscribe populates the group of key and follows changes until Close. Subscribing an
// already followed group is a no-op.
func (r *Refresher) Subscribe(ctx context.Context, key loadbalance.GroupKey) error {
	rule, err := ParseVersionRule(key.VersionRule)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.cancels[key]; ok {
		r.mu.Unlock()
		return nil
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	r.cancels[key] = cancel
	r.mu.Unlock()

	// watch before the first read so no change between the two is missed
	updates := r.registry.Watch(watchCtx, key.AppID, key.Microservice)

	snap, err := r.registry.Discover(ctx, key.AppID, key.Microservice)
	if err != nil {
		r.mu.Lock()
		delete(r.cancels, key)
		r.mu.Unlock()
		cancel()
		return errors.Wrapf(err, "initial discovery of %s", key)
	}
	r.apply(key, rule, snap)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for snap := range updates {
			r.apply(key, rule, snap)
		}
	}()
	return nil
}

func (r *Refresher) apply(key loadbalance.GroupKey, rule VersionRule, snap Snapshot) {
	var endpoints []invocation.Endpoint
	for _, inst := range rule.Filter(snap.Instances) {
		for _, uri := range inst.Endpoints {
			ep, err := invocation.ParseEndpoint(uri)
			if err != nil {
				r.logger.Warn("Skipping malformed endpoint",
					zap.String("instance", inst.ID),
					zap.String("endpoint", uri),
					zap.Error(err))
				continue
			}
			endpoints = append(endpoints, ep)
		}
	}

	if !r.cache.Update(key, endpoints, snap.Revision) {
		r.logger.Debug("Ignoring stale snapshot",
			zap.Stringer("group", key),
			zap.Int64("revision", snap.Revision))
		return
	}
	r.logger.Info("Endpoint group refreshed",
		zap.Stringer("group", key),
		zap.Int64("revision", snap.Revision),
		zap.Int("endpoints", len(endpoints)))
}

// Close stops following every group. Cached groups keep their last snapshot.
func (r *Refresher) Close() {
	r.mu.Lock()
	for key, cancel := range r.cancels {
		cancel()
		delete(r.cancels, key)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
