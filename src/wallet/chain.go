package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/kaspanet/kaspad/app/appmessage"
	"github.com/kaspanet/kaspad/domain/consensus/model/externalapi"
	"github.com/kaspanet/kaspad/util"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/onemorebsmith/probi-settlement/src/probi"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const nativeSubnetworkID = "0000000000000000000000000000000000000000"

// ChainClient is the part of the kaspad rpc client the chain provider uses,
// satisfied by *rpcclient.RPCClient
type ChainClient interface {
	GetUTXOsByAddresses(addresses []string) (*appmessage.GetUTXOsByAddressesResponseMessage, error)
	SubmitTransaction(transaction *appmessage.RPCTransaction, allowOrphan bool) (*appmessage.SubmitTransactionResponseMessage, error)
	GetInfo() (*appmessage.GetInfoResponseMessage, error)
}

type ChainConfig struct {
	RPCServer         string        `yaml:"kaspad_address"`
	SettlementAddress string        `yaml:"settlement_address"`
	Fee               uint64        `yaml:"fee"`
	Timeout           time.Duration `yaml:"timeout"`
}

// ChainProvider settles natively on the kaspa chain. The client signs the
// inputs of a transaction built here and hands it back for submission.
type ChainProvider struct {
	cfg      ChainConfig
	client   ChainClient
	currency Currency
	prefix   util.Bech32Prefix
	logger   *zap.Logger
}

func NewChainProvider(cfg ChainConfig, client ChainClient, currency Currency, logger *zap.Logger) *ChainProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &ChainProvider{
		cfg:      cfg,
		client:   client,
		currency: currency,
		prefix:   util.Bech32PrefixKaspa,
		logger:   logger.With(zap.String("component", "chain_provider")),
	}
}

func (cp *ChainProvider) Kind() model.ProviderKind {
	return model.ProviderChain
}

// call bounds a blocking rpc with the configured timeout
func call[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, model.Retryable("kaspad unavailable", serviceRetry, ctx.Err())
	}
}

func (cp *ChainProvider) Create(ctx context.Context, req model.CreateRequest) (*model.Wallet, error) {
	if req.Currency != "KAS" {
		return nil, errors.Wrapf(model.ErrUnsupported, "chain create for %s", req.Currency)
	}
	if _, err := util.DecodeAddress(req.Address, cp.prefix); err != nil {
		return nil, errors.Wrapf(model.ErrValidation, "invalid kaspa address %s", req.Address)
	}
	return &model.Wallet{
		Altcurrency: "KAS",
		Provider:    model.ProviderChain,
		ProviderID:  req.Address,
		Addresses:   map[string]string{"KAS": req.Address},
	}, nil
}

func (cp *ChainProvider) utxos(ctx context.Context, address string) ([]*appmessage.UTXOsByAddressesEntry, error) {
	resp, err := call(ctx, cp.cfg.Timeout, func() (*appmessage.GetUTXOsByAddressesResponseMessage, error) {
		return cp.client.GetUTXOsByAddresses([]string{address})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed fetching utxos for %s", address)
	}
	return resp.Entries, nil
}

func (cp *ChainProvider) Balances(ctx context.Context, w *model.Wallet) (*model.Balances, error) {
	entries, err := cp.utxos(ctx, w.Addresses["KAS"])
	if err != nil {
		return nil, err
	}
	total := uint64(0)
	for _, e := range entries {
		if e.UTXOEntry != nil {
			total += e.UTXOEntry.Amount
		}
	}
	balance := decimal.NewFromInt(int64(total))
	return &model.Balances{
		Balance:     balance,
		Spendable:   balance,
		Confirmed:   balance,
		Unconfirmed: decimal.Zero,
	}, nil
}

func scriptToRPC(script *externalapi.ScriptPublicKey) *appmessage.RPCScriptPublicKey {
	return &appmessage.RPCScriptPublicKey{
		Version: script.Version,
		Script:  hex.EncodeToString(script.Script),
	}
}

// UnsignedTx spends the wallet's utxos to the settlement address with any
// change returned to the wallet. nil when the utxos cannot cover it.
func (cp *ChainProvider) UnsignedTx(ctx context.Context, w *model.Wallet, amount decimal.Decimal, currency string, balance decimal.Decimal) (*model.UnsignedTx, error) {
	if w.Altcurrency != "KAS" {
		return nil, errors.Wrapf(model.ErrUnsupported, "chain unsignedTx for %s", w.Altcurrency)
	}
	desiredProbi, _, err := desiredProbi(cp.currency, w.Altcurrency, amount, currency)
	if err != nil {
		return nil, err
	}
	if desiredProbi.Mul(probi.SlippageFloor).GreaterThan(balance) {
		return nil, nil
	}
	desired := uint64(desiredProbi.Floor().IntPart())

	entries, err := cp.utxos(ctx, w.Addresses["KAS"])
	if err != nil {
		return nil, err
	}
	tx := &appmessage.RPCTransaction{SubnetworkID: nativeSubnetworkID}
	gathered := uint64(0)
	for _, e := range entries {
		if gathered >= desired+cp.cfg.Fee {
			break
		}
		if e.UTXOEntry == nil || e.Outpoint == nil {
			continue
		}
		tx.Inputs = append(tx.Inputs, &appmessage.RPCTransactionInput{
			PreviousOutpoint: e.Outpoint,
			SigOpCount:       1,
		})
		gathered += e.UTXOEntry.Amount
	}
	if gathered < desired+cp.cfg.Fee {
		return nil, nil
	}

	settlement, err := payToScript(cp.cfg.SettlementAddress, cp.prefix)
	if err != nil {
		return nil, err
	}
	tx.Outputs = append(tx.Outputs, &appmessage.RPCTransactionOutput{Amount: desired, ScriptPublicKey: scriptToRPC(settlement)})
	if change := gathered - desired - cp.cfg.Fee; change > 0 {
		changeScript, err := payToScript(w.Addresses["KAS"], cp.prefix)
		if err != nil {
			return nil, err
		}
		tx.Outputs = append(tx.Outputs, &appmessage.RPCTransactionOutput{Amount: change, ScriptPublicKey: scriptToRPC(changeScript)})
	}

	encoded, err := json.Marshal(tx)
	if err != nil {
		return nil, errors.Wrap(err, "failed encoding chain transaction")
	}
	return &model.UnsignedTx{RequestType: "kaspaTransaction", Transaction: string(encoded)}, nil
}

// SubmitTx only broadcasts a signed transaction that spends exactly what tx
// prepared
func (cp *ChainProvider) SubmitTx(ctx context.Context, w *model.Wallet, tx *model.UnsignedTx, signed *model.SignedTx) (*model.TxResult, error) {
	if err := validateStructural(tx, signed); err != nil {
		return nil, err
	}
	signedTx, err := decodeChainTx(signed.Transaction)
	if err != nil {
		return nil, err
	}
	settlement, err := payToScript(cp.cfg.SettlementAddress, cp.prefix)
	if err != nil {
		return nil, err
	}
	resp, err := call(ctx, cp.cfg.Timeout, func() (*appmessage.SubmitTransactionResponseMessage, error) {
		return cp.client.SubmitTransaction(signedTx, false)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed submitting transaction to kaspad")
	}
	cp.logger.Info("submitted settlement transaction", zap.String("paymentId", w.PaymentID), zap.String("tx", resp.TransactionID))
	return &model.TxResult{
		Status:      model.TxStatusAccepted,
		ID:          resp.TransactionID,
		Probi:       paidTo(signedTx, settlement),
		Altcurrency: "KAS",
		Fee:         decimal.NewFromInt(int64(cp.cfg.Fee)),
		Destination: cp.cfg.SettlementAddress,
	}, nil
}

func (cp *ChainProvider) Status(ctx context.Context, owner *model.Owner) (*model.WalletStatus, error) {
	return nil, errors.Wrap(model.ErrUnsupported, "chain status")
}

func (cp *ChainProvider) Ping(ctx context.Context) error {
	info, err := call(ctx, cp.cfg.Timeout, cp.client.GetInfo)
	if err != nil {
		return errors.Wrap(err, "failed pinging kaspad")
	}
	if !info.IsSynced {
		return errors.New("kaspad is not synced")
	}
	return nil
}

func (cp *ChainProvider) AddAddress(ctx context.Context, w *model.Wallet, altcoin string) error {
	return errors.Wrap(model.ErrUnsupported, "chain addAddress")
}

// paidTo is the value of the newest output locked to script, zero if none
func paidTo(tx *appmessage.RPCTransaction, script *externalapi.ScriptPublicKey) decimal.Decimal {
	want := hex.EncodeToString(script.Script)
	for i := len(tx.Outputs) - 1; i >= 0; i-- {
		out := tx.Outputs[i]
		if out.ScriptPublicKey == nil || out.ScriptPublicKey.Version != script.Version || out.ScriptPublicKey.Script != want {
			continue
		}
		return decimal.NewFromInt(int64(out.Amount))
	}
	return decimal.Zero
}
