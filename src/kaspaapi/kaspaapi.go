// Package kaspaapi owns the connection to a kaspad node
package kaspaapi

import (
	"context"
	"time"

	"github.com/kaspanet/kaspad/app/appmessage"
	"github.com/kaspanet/kaspad/infrastructure/network/rpcclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// node is the slice of *rpcclient.RPCClient used here
type node interface {
	GetUTXOsByAddresses(addresses []string) (*appmessage.GetUTXOsByAddressesResponseMessage, error)
	SubmitTransaction(transaction *appmessage.RPCTransaction, allowOrphan bool) (*appmessage.SubmitTransactionResponseMessage, error)
	GetInfo() (*appmessage.GetInfoResponseMessage, error)
	Close() error
}

type KaspaApi struct {
	address string
	kaspad  node
	logger  *zap.Logger
}

func NewKaspaAPI(address string, logger *zap.Logger) (*KaspaApi, error) {
	client, err := rpcclient.NewRPCClient(address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to kaspad at %s", address)
	}
	return newKaspaAPI(address, client, logger), nil
}

func newKaspaAPI(address string, client node, logger *zap.Logger) *KaspaApi {
	return &KaspaApi{
		address: address,
		kaspad:  client,
		logger:  logger.With(zap.String("component", "kaspaapi"), zap.String("address", address)),
	}
}

// WaitForSync blocks until the node reports itself synced, polling every interval
func (ks *KaspaApi) WaitForSync(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		info, err := ks.kaspad.GetInfo()
		if err != nil {
			return errors.Wrap(err, "error fetching server info from kaspad")
		}
		if info.IsSynced {
			ks.logger.Info("kaspad synced")
			return nil
		}
		ks.logger.Warn("kaspad is not synced, waiting for sync before continuing")
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Ping fails while the node is unreachable or still syncing
func (ks *KaspaApi) Ping(ctx context.Context) error {
	info, err := ks.kaspad.GetInfo()
	if err != nil {
		return errors.Wrap(err, "error fetching server info from kaspad")
	}
	if !info.IsSynced {
		return errors.New("kaspad is not synced")
	}
	return nil
}

func (ks *KaspaApi) GetUTXOsByAddresses(addresses []string) (*appmessage.GetUTXOsByAddressesResponseMessage, error) {
	resp, err := ks.kaspad.GetUTXOsByAddresses(addresses)
	return resp, errors.Wrap(err, "failed fetching utxos from kaspad")
}

func (ks *KaspaApi) SubmitTransaction(tx *appmessage.RPCTransaction, allowOrphan bool) (*appmessage.SubmitTransactionResponseMessage, error) {
	resp, err := ks.kaspad.SubmitTransaction(tx, allowOrphan)
	if err != nil {
		return nil, errors.Wrap(err, "failed submitting transaction to kaspad")
	}
	ks.logger.Info("submitted transaction", zap.String("txId", resp.TransactionID))
	return resp, nil
}

func (ks *KaspaApi) GetInfo() (*appmessage.GetInfoResponseMessage, error) {
	return ks.kaspad.GetInfo()
}

func (ks *KaspaApi) Close() error {
	return ks.kaspad.Close()
}
