package rpcserver

import (
	"context"
	"sync"

	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/google/uuid"
)

// TransactionAPI serves the transaction_v1_ methods.
type TransactionAPI struct {
	*backend

	lock       sync.Mutex
	operations map[string]struct{}
}

func newTransactionAPI(b *backend) *TransactionAPI {
	return &TransactionAPI{backend: b, operations: make(map[string]struct{})}
}

// V1_broadcast queues an extrinsic and returns an operation id. Extrinsics the runtime refuses are dropped without an
// error, as broadcasting gives no feedback on validity.
func (api *TransactionAPI) V1_broadcast(ctx context.Context, ext hexutil.Bytes) (string, error) {
	id := uuid.NewString()
	if _, err := api.chain.ValidateExtrinsic(ctx, ext); err != nil {
		api.logger.Debug("dropping broadcast extrinsic: ", err)
	} else {
		api.pool.Submit(ext)
	}

	api.lock.Lock()
	defer api.lock.Unlock()
	api.operations[id] = struct{}{}
	return id, nil
}

// V1_stop forgets an operation. Queued extrinsics stay queued.
func (api *TransactionAPI) V1_stop(operationId string) error {
	api.lock.Lock()
	defer api.lock.Unlock()
	if _, ok := api.operations[operationId]; !ok {
		return &Error{Code: CodeOperationNotFound, Message: "Invalid operation id"}
	}
	delete(api.operations, operationId)
	return nil
}
