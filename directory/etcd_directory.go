package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	clientv3 "go.etcd.io/etcd/client/v3"

	"svc-registrar/codec"
)

// DefaultKeyPrefix is where records live when no prefix is configured.
const DefaultKeyPrefix = "/svc-registrar/services/"

// EtcdClient keeps records in etcd:
//
//	Key:   {prefix}{ID}
//	Value: JSON-encoded Record
//
// With a lease TTL every record is attached to one shared lease kept alive in
// the background. If the process dies (or keep-alive is lost) etcd drops all
// records once the TTL runs out, which makes etcd behave like a directory that
// forgets state on restart.
type EtcdClient struct {
	client   *clientv3.Client // thread-safe, shared across goroutines
	prefix   string
	leaseTTL int64 // seconds, 0 = no lease
	codec    codec.Codec
	logger   *zap.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID // 0 until the first Push with a TTL
	stop    context.CancelFunc
}

// NewEtcdClient connects to the given etcd endpoints.
func NewEtcdClient(endpoints []string, prefix string, leaseTTL time.Duration, dialTimeout time.Duration, logger *zap.Logger) (*EtcdClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("client"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	return newEtcdClient(c, prefix, leaseTTL, logger), nil
}

func newEtcdClient(c *clientv3.Client, prefix string, leaseTTL time.Duration, logger *zap.Logger) *EtcdClient {
	return &EtcdClient{
		client:   c,
		prefix:   prefix,
		leaseTTL: int64(leaseTTL / time.Second),
		codec:    codec.GetCodec(codec.CodecTypeJSON),
		logger:   logger,
	}
}

// Push stores the record, attached to the shared lease when a TTL is set.
//
// leaseID is guarded by mu rather than read freely, since Push is called from
// the registrar and the reconciler concurrently.
func (r *EtcdClient) Push(ctx context.Context, record Record) error {
	val, err := r.codec.Encode(record)
	if err != nil {
		return fmt.Errorf("etcd encode %s: %w", record.ID, err)
	}

	var opts []clientv3.OpOption
	if r.leaseTTL > 0 {
		leaseID, err := r.lease(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, clientv3.WithLease(leaseID))
	}

	if _, err := r.client.Put(ctx, r.key(record.ID), string(val), opts...); err != nil {
		return etcdError("put "+record.ID, err)
	}
	return nil
}

// Remove deletes the record. Deleting a missing key succeeds in etcd, so an
// unknown id is not an error.
func (r *EtcdClient) Remove(ctx context.Context, id string) error {
	if _, err := r.client.Delete(ctx, r.key(id)); err != nil {
		return etcdError("delete "+id, err)
	}
	return nil
}

// List reads every record under the prefix and keeps those carrying tag.
func (r *EtcdClient) List(ctx context.Context, tag string) (map[string]Entry, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, etcdError("get "+r.prefix, err)
	}

	entries := make(map[string]Entry, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record Record
		if err := r.codec.Decode(kv.Value, &record); err != nil {
			// someone else's key under our prefix; leave it alone
			r.logger.Warn("skipping malformed etcd record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		entry := Entry{ID: record.ID, Name: record.Name, Tags: record.Tags, Port: record.Port}
		if entry.HasTag(tag) {
			entries[entry.ID] = entry
		}
	}
	return entries, nil
}

// Close stops lease renewal and closes the etcd connection. The lease is not
// revoked: records expire on their own once the TTL passes.
func (r *EtcdClient) Close() error {
	r.mu.Lock()
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
	r.leaseID = 0
	r.mu.Unlock()
	return r.client.Close()
}

func (r *EtcdClient) key(id string) string {
	return r.prefix + id
}

// lease returns the shared lease, granting it and starting KeepAlive on first
// use or after the previous one was lost.
func (r *EtcdClient) lease(ctx context.Context) (clientv3.LeaseID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.leaseID != 0 {
		return r.leaseID, nil
	}

	lease, err := r.client.Grant(ctx, r.leaseTTL)
	if err != nil {
		return 0, etcdError("grant lease", err)
	}

	// KeepAlive must outlive the Push that created it
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, etcdError("keep alive lease", err)
	}

	r.leaseID = lease.ID
	r.stop = cancel
	go r.drain(lease.ID, ch)
	return lease.ID, nil
}

// drain consumes KeepAlive responses so the channel never fills up. When the
// channel closes the lease is gone, and the next Push grants a new one.
func (r *EtcdClient) drain(id clientv3.LeaseID, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leaseID == id {
		r.logger.Warn("etcd lease keep-alive stopped", zap.Int64("lease", int64(id)))
		r.leaseID = 0
		if r.stop != nil {
			r.stop()
			r.stop = nil
		}
	}
}

func etcdError(op string, err error) error {
	return fmt.Errorf("etcd %s: %w: %w", op, ErrUnavailable, err)
}
