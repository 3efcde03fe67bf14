package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const etcdPrefix = "/hiway/"

// EtcdConfig configures the etcd registry.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Etcd stores instances under /hiway/{appId}/{service}/{instanceId} as JSON, each key
// bound to a TTL lease that the registering process keeps alive. When the process dies
// the lease expires and the instance disappears.
type Etcd struct {
	client *clientv3.Client
	logger *zap.Logger

	ctx    context.Context // lives as long as the registry; parents the keepalives
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease
}

// NewEtcd connects to the etcd cluster in cfg.
func NewEtcd(cfg EtcdConfig) (*Etcd, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect etcd %v", cfg.Endpoints)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Etcd{
		client: c,
		logger: logger.Named("registry"),
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func servicePrefix(appID, service string) string {
	return etcdPrefix + appID + "/" + service + "/"
}

func instanceKey(inst Instance) string {
	return servicePrefix(inst.AppID, inst.Service) + inst.ID
}

// Register grants a lease of ttl, writes the instance under it and keeps the lease alive
// until Deregister or Close.
func (r *Etcd) Register(ctx context.Context, inst Instance, ttl time.Duration) error {
	if err := inst.validate(); err != nil {
		return err
	}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	lease, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrap(err, "encode instance")
	}

	key := instanceKey(inst)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("Lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	old, replaced := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if replaced {
		r.revoke(ctx, old)
	}

	r.logger.Info("Registered instance",
		zap.String("key", key),
		zap.Strings("endpoints", inst.Endpoints),
		zap.Duration("ttl", ttl))
	return nil
}

// Deregister deletes the instance and revokes its lease, which also ends the keepalive.
func (r *Etcd) Deregister(ctx context.Context, inst Instance) error {
	key := instanceKey(inst)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}

	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		r.revoke(ctx, lease)
	}
	return nil
}

func (r *Etcd) revoke(ctx context.Context, lease clientv3.LeaseID) {
	if _, err := r.client.Revoke(ctx, lease); err != nil {
		r.logger.Warn("Failed to revoke lease", zap.Int64("lease", int64(lease)), zap.Error(err))
	}
}

// Discover reads every instance under the service prefix. The snapshot revision is the
// etcd store revision of the read.
func (r *Etcd) Discover(ctx context.Context, appID, service string) (Snapshot, error) {
	resp, err := r.client.Get(ctx, servicePrefix(appID, service), clientv3.WithPrefix())
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "discover %s/%s", appID, service)
	}

	snap := Snapshot{Instances: make([]Instance, 0, len(resp.Kvs)), Revision: resp.Header.Revision}
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Warn("Skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		snap.Instances = append(snap.Instances, inst)
	}
	return snap, nil
}

// Watch re-reads the service after every batch of watch events.
func (r *Etcd) Watch(ctx context.Context, appID, service string) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	prefix := servicePrefix(appID, service)

	go func() {
		defer close(ch)
		for resp := range r.client.Watch(ctx, prefix, clientv3.WithPrefix()) {
			if err := resp.Err(); err != nil {
				r.logger.Warn("Watch failed", zap.String("prefix", prefix), zap.Error(err))
				continue
			}
			snap, err := r.Discover(ctx, appID, service)
			if err != nil {
				r.logger.Warn("Refresh after watch event failed", zap.String("prefix", prefix), zap.Error(err))
				continue
			}
			offerLatest(ch, snap)
		}
	}()
	return ch
}

// Close stops every keepalive and closes the etcd client. Registered instances expire
// with their leases.
func (r *Etcd) Close() error {
	r.cancel()
	return r.client.Close()
}
