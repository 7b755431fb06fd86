package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/onemorebsmith/probi-settlement/src/probi"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	serviceRetry = 10 * time.Second
	rateRetry    = 5 * time.Second
)

type CardConfig struct {
	BaseURL           string        `yaml:"base_url"`
	AccessToken       string        `yaml:"access_token"`
	SettlementAddress string        `yaml:"settlement_address"`
	Altcoins          []string      `yaml:"altcoins"`
	Timeout           time.Duration `yaml:"timeout"`
}

var cardNetworks = map[string]string{
	"BCH":  "bitcoin-cash",
	"BTC":  "bitcoin",
	"BTG":  "bitcoin-gold",
	"DASH": "dash",
	"ETH":  "ethereum",
	"LTC":  "litecoin",
}

// CardProvider talks to a custodial card api. Transfers into the settlement
// card are fee exempt, so any fee on a submitted transaction is fatal.
type CardProvider struct {
	cfg      CardConfig
	client   *http.Client
	currency Currency
	logger   *zap.Logger
}

func NewCardProvider(cfg CardConfig, currency Currency, logger *zap.Logger) *CardProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &CardProvider{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		currency: currency,
		logger:   logger.With(zap.String("component", "card_provider")),
	}
}

func (cp *CardProvider) Kind() model.ProviderKind {
	return model.ProviderCard
}

type cardInfo struct {
	ID        string            `json:"id"`
	Currency  string            `json:"currency"`
	Balance   decimal.Decimal   `json:"balance"`
	Available decimal.Decimal   `json:"available"`
	Address   map[string]string `json:"address"`
}

type cardAddress struct {
	ID      string `json:"id"`
	Network string `json:"network"`
}

type cardTransaction struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Fees        []json.RawMessage `json:"fees"`
	Destination struct {
		Amount decimal.Decimal `json:"amount"`
	} `json:"destination"`
}

type cardUser struct {
	Status   string `json:"status"`
	Settings struct {
		Currency string `json:"currency"`
	} `json:"settings"`
	Balances struct {
		Currencies map[string]json.RawMessage `json:"currencies"`
	} `json:"balances"`
}

// do issues one call against the card api. Transport failures and 5xx
// answers are retryable.
func (cp *CardProvider) do(ctx context.Context, method, path, token string, headers map[string]string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, cp.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(cp.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed building card request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := cp.client.Do(req)
	if err != nil {
		return model.Retryable("card service unavailable", serviceRetry, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Retryable("card service unavailable", serviceRetry, err)
	}
	if resp.StatusCode >= 500 {
		return model.Retryable("card service unavailable", serviceRetry, fmt.Errorf("%s %s: %d", method, path, resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return errors.Errorf("card api %s %s returned %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "failed decoding card api response for %s", path)
}

func (cp *CardProvider) getCard(ctx context.Context, cardID string) (*cardInfo, error) {
	card := &cardInfo{}
	if err := cp.do(ctx, http.MethodGet, "/v0/me/cards/"+cardID, cp.cfg.AccessToken, nil, nil, card); err != nil {
		return nil, errors.Wrapf(err, "failed reading card %s", cardID)
	}
	return card, nil
}

func (cp *CardProvider) createAddress(ctx context.Context, cardID, altcoin string) (string, error) {
	network, ok := cardNetworks[altcoin]
	if !ok {
		return "", errors.Wrapf(model.ErrUnsupported, "unsupported altcoin: %s", altcoin)
	}
	configured := false
	for _, a := range cp.cfg.Altcoins {
		if a == altcoin {
			configured = true
		}
	}
	if !configured {
		return "", errors.Wrapf(model.ErrUnsupported, "unconfigured altcoin: %s", altcoin)
	}

	card, err := cp.getCard(ctx, cardID)
	if err != nil {
		return "", err
	}
	if addr, ok := card.Address[network]; ok && addr != "" {
		return addr, nil
	}
	body, _ := json.Marshal(map[string]string{"network": network})
	created := &cardAddress{}
	if err := cp.do(ctx, http.MethodPost, "/v0/me/cards/"+cardID+"/addresses", cp.cfg.AccessToken, nil, body, created); err != nil {
		return "", errors.Wrapf(err, "failed creating %s address", altcoin)
	}
	return created.ID, nil
}

func (cp *CardProvider) Create(ctx context.Context, req model.CreateRequest) (*model.Wallet, error) {
	if req.Kind != "httpSignature" {
		return nil, errors.Wrapf(model.ErrUnsupported, "card create requestType %s", req.Kind)
	}
	if req.Currency != "BAT" {
		return nil, errors.Wrapf(model.ErrUnsupported, "card create for altcurrency %s", req.Currency)
	}
	altcoins := []string{"ETH"}
	if req.APIVersion == 2 {
		altcoins = append(altcoins, "BTC", "LTC")
	}

	card := &cardInfo{}
	if err := cp.do(ctx, http.MethodPost, "/v0/me/cards", cp.cfg.AccessToken, req.Headers, []byte(req.Octets), card); err != nil {
		return nil, errors.Wrap(err, "failed opening card")
	}
	addresses := map[string]string{"CARD_ID": card.ID}
	for _, altcoin := range altcoins {
		addr, err := cp.createAddress(ctx, card.ID, altcoin)
		if err != nil {
			return nil, err
		}
		addresses[altcoin] = addr
	}
	addresses["BAT"] = addresses["ETH"]

	return &model.Wallet{
		Altcurrency:       "BAT",
		Provider:          model.ProviderCard,
		ProviderID:        card.ID,
		Addresses:         addresses,
		HTTPSigningPubKey: req.PublicKey,
	}, nil
}

func (cp *CardProvider) Balances(ctx context.Context, w *model.Wallet) (*model.Balances, error) {
	card, err := cp.getCard(ctx, w.ProviderID)
	if err != nil {
		return nil, err
	}
	scale, err := cp.currency.Alt2Scale(w.Altcurrency)
	if err != nil {
		return nil, err
	}
	balance := probi.FromAlt(card.Balance, scale)
	spendable := probi.FromAlt(card.Available, scale)
	return &model.Balances{
		Balance:     balance,
		Spendable:   spendable,
		Confirmed:   spendable,
		Unconfirmed: balance.Sub(spendable),
	}, nil
}

func (cp *CardProvider) UnsignedTx(ctx context.Context, w *model.Wallet, amount decimal.Decimal, currency string, balance decimal.Decimal) (*model.UnsignedTx, error) {
	if w.Altcurrency != "BAT" {
		return nil, errors.Wrapf(model.ErrUnsupported, "card unsignedTx for %s", w.Altcurrency)
	}
	desired, scale, err := desiredProbi(cp.currency, w.Altcurrency, amount, strings.ToUpper(currency))
	if err != nil {
		return nil, err
	}
	minimum := desired.Mul(probi.SlippageFloor)
	cp.logger.Debug("unsignedTx", zap.String("balance", balance.String()),
		zap.String("desired", desired.String()), zap.String("minimum", minimum.String()))
	if minimum.GreaterThan(balance) {
		return nil, nil
	}

	desired = desired.Floor()
	if desired.GreaterThan(balance) {
		desired = balance
	}
	return &model.UnsignedTx{
		RequestType: "httpSignature",
		Denomination: &model.Denomination{
			Amount:   probi.ToAlt(desired, scale).String(),
			Currency: "BAT",
		},
		Destination: cp.cfg.SettlementAddress,
	}, nil
}

func (cp *CardProvider) SubmitTx(ctx context.Context, w *model.Wallet, tx *model.UnsignedTx, signed *model.SignedTx) (*model.TxResult, error) {
	if w.Altcurrency != "BAT" {
		return nil, errors.Wrapf(model.ErrUnsupported, "card submitTx for %s", w.Altcurrency)
	}
	posted := &cardTransaction{}
	path := "/v0/me/cards/" + w.ProviderID + "/transactions?commit=true"
	if err := cp.do(ctx, http.MethodPost, path, cp.cfg.AccessToken, signed.Headers, []byte(signed.Octets), posted); err != nil {
		return nil, errors.Wrap(err, "failed creating card transaction")
	}
	if len(posted.Fees) != 0 {
		cp.logger.Error("FATAL: fee charged on settlement transfer", zap.String("paymentId", w.PaymentID), zap.String("tx", posted.ID))
		return nil, errors.Wrapf(model.ErrUnexpectedFees, "transaction %s charged %d fee(s)", posted.ID, len(posted.Fees))
	}
	scale, err := cp.currency.Alt2Scale(w.Altcurrency)
	if err != nil {
		return nil, err
	}
	return &model.TxResult{
		Status:      model.TxStatus(posted.Status),
		ID:          posted.ID,
		Probi:       probi.FromAlt(posted.Destination.Amount, scale),
		Altcurrency: w.Altcurrency,
		Fee:         decimal.Zero,
		Destination: tx.Destination,
	}, nil
}

func (cp *CardProvider) Status(ctx context.Context, owner *model.Owner) (*model.WalletStatus, error) {
	token := owner.Parameters["access_token"]
	if token == "" {
		return nil, errors.Wrapf(model.ErrValidation, "owner %s has no card access token", owner.Owner)
	}
	user := &cardUser{}
	if err := cp.do(ctx, http.MethodGet, "/v0/me", token, nil, nil, user); err != nil {
		return nil, errors.Wrap(err, "failed reading card user")
	}
	var cards []cardInfo
	if user.Status != "pending" {
		if err := cp.do(ctx, http.MethodGet, "/v0/me/cards", token, nil, nil, &cards); err != nil {
			return nil, errors.Wrap(err, "failed reading user cards")
		}
	}

	status := &model.WalletStatus{
		Provider:        owner.Provider,
		Status:          user.Status,
		Authorized:      user.Status == "restricted" || user.Status == "ok",
		DefaultCurrency: owner.Parameters["defaultCurrency"],
	}
	if status.DefaultCurrency == "" {
		status.DefaultCurrency = user.Settings.Currency
	}
	if user.Settings.Currency != "" {
		currencies := make([]string, 0, len(user.Balances.Currencies)+1)
		for c := range user.Balances.Currencies {
			currencies = append(currencies, c)
		}
		sort.Slice(currencies, func(i, j int) bool {
			if currencies[i] == user.Settings.Currency {
				return currencies[j] != user.Settings.Currency
			}
			if currencies[j] == user.Settings.Currency {
				return false
			}
			return currencies[i] < currencies[j]
		})
		if _, ok := user.Balances.Currencies[user.Settings.Currency]; !ok {
			currencies = append([]string{user.Settings.Currency}, currencies...)
		}
		status.PossibleCurrency = currencies
	}
	if status.Authorized {
		for _, card := range cards {
			if card.Currency == status.DefaultCurrency {
				status.Address = card.ID
				break
			}
		}
	}
	return status, nil
}

func (cp *CardProvider) Ping(ctx context.Context) error {
	return errors.Wrap(cp.do(ctx, http.MethodGet, "/v0/ticker/BATUSD", cp.cfg.AccessToken, nil, nil, nil), "card ping failed")
}

func (cp *CardProvider) AddAddress(ctx context.Context, w *model.Wallet, altcoin string) error {
	addr, err := cp.createAddress(ctx, w.ProviderID, altcoin)
	if err != nil {
		return err
	}
	if w.Addresses == nil {
		w.Addresses = map[string]string{}
	}
	w.Addresses[altcoin] = addr
	return nil
}
