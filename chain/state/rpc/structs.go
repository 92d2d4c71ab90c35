package rpc

import (
	"context"
	"encoding/json"
)

/*
PendingResult defines an object that can be returned when calling the RPC asynchronously. It's kind of like a promise as
seen in other languages.
*/
type PendingResult struct {
	ctx      context.Context
	request  *inflightRequest
	method   string
	endpoint string
}

func newPendingResult(ctx context.Context, request *inflightRequest, method string, endpoint string) *PendingResult {
	return &PendingResult{
		ctx:      ctx,
		request:  request,
		method:   method,
		endpoint: endpoint,
	}
}

/*
GetResultBlocking obtains the result from the client, blocking until the result or an error is available. Callers must
pass a pointer to their data through result. If the caller's context is cancelled first, a timeout error is returned.
*/
func (p *PendingResult) GetResultBlocking(result any) error {
	select {
	case <-p.request.Done:
		if p.request.Error != nil {
			return p.request.Error
		}
		if err := json.Unmarshal(p.request.Result, result); err != nil {
			return newClientError(ErrorKindInvalidResponse, p.method, p.endpoint, err)
		}
		return nil
	case <-p.ctx.Done():
		return newClientError(ErrorKindTimeout, p.method, p.endpoint, p.ctx.Err())
	}
}

// requestKey defines a struct that can uniquely identify a JSON-RPC request for request deduplication purposes.
type requestKey struct {
	Method string
	Args   string
}

func makeRequestKey(method string, args ...any) (requestKey, error) {
	serialized, err := json.Marshal(args)
	if err != nil {
		return requestKey{}, err
	}
	return requestKey{Method: method, Args: string(serialized)}, nil
}

// inflightRequest represents a JSON-RPC request that is currently traversing the network.
type inflightRequest struct {
	// Done is used to signal to each interested worker that the request is completed (possibly with error).
	Done    chan struct{}
	Error   error
	Result  json.RawMessage
	Context context.Context
}
