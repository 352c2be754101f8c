// Package discovery publishes and finds tickcast servers in etcd. A server
// holds its key under a lease that it keeps alive; the key disappears
// shortly after the process dies.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const Prefix = "/tickcast/servers/"

var ErrNoServer = errors.New("discovery: no server registered")

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func ServerKey(id string) string { return Prefix + id }

// RegisterServer writes id -> addr under a ttl-second lease and keeps it
// alive until cancel is called. Callers should revoke the lease on exit.
func RegisterServer(ctx context.Context, cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, ServerKey(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("put %s: %w", ServerKey(id), err)
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// Deregister revokes the lease, deleting the key at once. A lease that has
// already expired is not an error.
func Deregister(ctx context.Context, cli *clientv3.Client, lease clientv3.LeaseID) error {
	_, err := cli.Revoke(ctx, lease)
	if err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("revoke lease %x: %w", int64(lease), err)
	}
	return nil
}

// Servers returns every registered server as id -> UDP address.
func Servers(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id := serverID(string(kv.Key)); id != "" {
			out[id] = string(kv.Value)
		}
	}
	return out, nil
}

// LookupServer resolves id. With no id, key (typically the client name) is
// placed on a consistent-hash ring of every registered server.
func LookupServer(ctx context.Context, cli *clientv3.Client, id, key string) (string, error) {
	servers, err := Servers(ctx, cli)
	if err != nil {
		return "", err
	}
	return pick(servers, id, key)
}

func pick(servers map[string]string, id, key string) (string, error) {
	if id != "" {
		addr, ok := servers[id]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNoServer, id)
		}
		return addr, nil
	}
	_, addr, ok := NewPlacement(servers, 0).Pick(key)
	if !ok {
		return "", ErrNoServer
	}
	return addr, nil
}

func serverID(key string) string {
	id, ok := strings.CutPrefix(key, Prefix)
	if !ok || strings.Contains(id, "/") {
		return ""
	}
	return id
}
