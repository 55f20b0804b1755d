package etcd

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Registry registers coordinator instances with etcd so that replaceable
// pods can be discovered by peers and load balancers.
type Registry struct {
	cli *clientv3.Client
}

// NewRegistry creates a Registry backed by the given etcd endpoints.
func NewRegistry(endpoints []string) (*Registry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &Registry{cli: cli}, nil
}

// Register announces this instance under /<serviceName>/<addr> with a lease
// of ttl seconds and keeps the lease alive until the returned channel is closed.
func (r *Registry) Register(serviceName, addr string, ttl int64) (chan<- struct{}, error) {
	leaseResp, err := r.cli.Grant(context.Background(), ttl)
	if err != nil {
		return nil, err
	}

	key := "/" + serviceName + "/" + addr
	if _, err = r.cli.Put(context.Background(), key, addr, clientv3.WithLease(leaseResp.ID)); err != nil {
		return nil, err
	}

	keepAliveCh, err := r.cli.KeepAlive(context.Background(), leaseResp.ID)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				r.cli.Delete(context.Background(), key)
				return
			case _, ok := <-keepAliveCh:
				if !ok {
					// Lease expired or was revoked.
					r.cli.Delete(context.Background(), key)
					return
				}
			}
		}
	}()

	return stop, nil
}

// Discover lists the registered addresses for a service.
func (r *Registry) Discover(serviceName string) ([]string, error) {
	resp, err := r.cli.Get(context.Background(), "/"+serviceName, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	var addrs []string
	for _, ev := range resp.Kvs {
		addrs = append(addrs, string(ev.Value))
	}
	return addrs, nil
}

// Close closes the etcd client.
func (r *Registry) Close() error {
	return r.cli.Close()
}
