package kaspaapi

import (
	"context"
	"testing"
	"time"

	"github.com/kaspanet/kaspad/app/appmessage"
	"github.com/onemorebsmith/probi-settlement/src/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var logger = common.ConfigureZap(zap.ErrorLevel)

// fakeNode reports synced after `lag` GetInfo calls
type fakeNode struct {
	lag       int
	calls     int
	submitted []*appmessage.RPCTransaction
	closed    bool
}

func (fn *fakeNode) GetUTXOsByAddresses(addresses []string) (*appmessage.GetUTXOsByAddressesResponseMessage, error) {
	return nil, errors.New("connection refused")
}

func (fn *fakeNode) SubmitTransaction(tx *appmessage.RPCTransaction, allowOrphan bool) (*appmessage.SubmitTransactionResponseMessage, error) {
	fn.submitted = append(fn.submitted, tx)
	return &appmessage.SubmitTransactionResponseMessage{TransactionID: "tx-1"}, nil
}

func (fn *fakeNode) GetInfo() (*appmessage.GetInfoResponseMessage, error) {
	fn.calls++
	return &appmessage.GetInfoResponseMessage{IsSynced: fn.calls > fn.lag}, nil
}

func (fn *fakeNode) Close() error {
	fn.closed = true
	return nil
}

func TestWaitForSync(t *testing.T) {
	node := &fakeNode{lag: 2}
	api := newKaspaAPI("localhost:16110", node, logger)
	require.Error(t, api.Ping(context.Background()))

	require.NoError(t, api.WaitForSync(context.Background(), time.Millisecond))
	require.Equal(t, 3, node.calls)
	require.NoError(t, api.Ping(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stuck := newKaspaAPI("localhost:16110", &fakeNode{lag: 100}, logger)
	require.ErrorIs(t, stuck.WaitForSync(ctx, time.Hour), context.Canceled)
}

func TestDelegates(t *testing.T) {
	node := &fakeNode{}
	api := newKaspaAPI("localhost:16110", node, logger)

	resp, err := api.SubmitTransaction(&appmessage.RPCTransaction{}, false)
	require.NoError(t, err)
	require.Equal(t, "tx-1", resp.TransactionID)
	require.Len(t, node.submitted, 1)

	_, err = api.GetUTXOsByAddresses([]string{"kaspa:qrstlz0uwkcrsrfswywfzesjek40d2m94mgq23xwwrjhav2qgzc9q4mxhjpau"})
	require.Error(t, err)

	require.NoError(t, api.Close())
	require.True(t, node.closed)
}
