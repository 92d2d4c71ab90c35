package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/crytic/medusa-geth/rpc"
)

// ClientPool is a round-robin pool of JSON-RPC clients to one endpoint. Identical requests in flight at the same time
// share a single network round trip. Failed requests are never retried.
type ClientPool struct {
	rpcClients       []*rpc.Client
	currentClientIdx int
	clientLock       sync.Mutex

	inflightRequests map[requestKey]*inflightRequest
	inflightLock     sync.Mutex

	endpoint string

	// requestTimeout bounds every request when positive.
	requestTimeout time.Duration
}

// NewClientPool dials poolSize connections to endpoint. Both HTTP and WebSocket endpoints are supported.
func NewClientPool(ctx context.Context, endpoint string, poolSize uint) (*ClientPool, error) {
	if poolSize == 0 {
		poolSize = 1
	}
	pool := &ClientPool{
		rpcClients:       make([]*rpc.Client, 0, poolSize),
		inflightRequests: make(map[requestKey]*inflightRequest),
		endpoint:         endpoint,
	}

	// dial out
	for i := uint(0); i < poolSize; i++ {
		client, err := rpc.DialContext(ctx, endpoint)
		if err != nil {
			pool.Close()
			return nil, newClientError(ErrorKindConnectionFailed, "dial", endpoint, err)
		}
		pool.rpcClients = append(pool.rpcClients, client)
	}

	return pool, nil
}

// Endpoint returns the endpoint the pool is connected to.
func (c *ClientPool) Endpoint() string {
	return c.endpoint
}

// Close closes every client of the pool.
func (c *ClientPool) Close() {
	for _, client := range c.rpcClients {
		client.Close()
	}
}

// SetRequestTimeout bounds the duration of every later request. Zero disables the bound.
func (c *ClientPool) SetRequestTimeout(timeout time.Duration) {
	c.requestTimeout = timeout
}

func (c *ClientPool) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

// ExecuteRequestBlocking performs a request and decodes its result into result.
func (c *ClientPool) ExecuteRequestBlocking(ctx context.Context, result any, method string, args ...any) error {
	pending, err := c.ExecuteRequestAsync(ctx, method, args...)
	if err != nil {
		return err
	}
	return pending.GetResultBlocking(result)
}

// ExecuteRequestAsync starts a request, or joins an identical request already in flight, and returns a handle to its
// result.
func (c *ClientPool) ExecuteRequestAsync(ctx context.Context, method string, args ...any) (*PendingResult, error) {
	key, err := makeRequestKey(method, args...)
	if err != nil {
		return nil, newClientError(ErrorKindRequestFailed, method, c.endpoint, err)
	}

	// check for in-flight requests
	c.inflightLock.Lock()
	if inflight, exists := c.inflightRequests[key]; exists {
		c.inflightLock.Unlock()
		return newPendingResult(ctx, inflight, method, c.endpoint), nil
	}
	inflight := &inflightRequest{
		Done:    make(chan struct{}),
		Context: ctx,
	}
	c.inflightRequests[key] = inflight
	c.inflightLock.Unlock()

	go c.launchRequest(c.getClient(), key, inflight, method, args...)
	return newPendingResult(ctx, inflight, method, c.endpoint), nil
}

// ExecuteBatch sends several requests in one batch. Each element carries its own result or error.
func (c *ClientPool) ExecuteBatch(ctx context.Context, batch []rpc.BatchElem) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.getClient().BatchCallContext(ctx, batch); err != nil {
		return classifyError(batch[0].Method, c.endpoint, err)
	}
	for i := range batch {
		if batch[i].Error != nil {
			batch[i].Error = classifyError(batch[i].Method, c.endpoint, batch[i].Error)
		}
	}
	return nil
}

func (c *ClientPool) getClient() *rpc.Client {
	c.clientLock.Lock()
	defer c.clientLock.Unlock()

	client := c.rpcClients[c.currentClientIdx]
	c.currentClientIdx = (c.currentClientIdx + 1) % len(c.rpcClients)

	return client
}

func (c *ClientPool) launchRequest(client *rpc.Client, key requestKey, request *inflightRequest, method string, args ...any) {
	defer func() {
		c.inflightLock.Lock()
		delete(c.inflightRequests, key)
		c.inflightLock.Unlock()
		close(request.Done)
	}()

	ctx, cancel := c.withTimeout(request.Context)
	defer cancel()

	var result json.RawMessage
	if err := client.CallContext(ctx, &result, method, args...); err != nil {
		request.Error = classifyError(method, c.endpoint, err)
		return
	}
	request.Result = result
}
