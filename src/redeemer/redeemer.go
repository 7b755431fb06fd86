package redeemer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const serviceRetry = 10 * time.Second

type Config struct {
	URL         string        `yaml:"url"`
	AccessToken string        `yaml:"access_token"`
	Timeout     time.Duration `yaml:"timeout"`
}

// WalletInfo identifies the wallet a grant is claimed by or redeemed into
type WalletInfo struct {
	Altcurrency string `json:"altcurrency"`
	Provider    string `json:"provider"`
	ProviderID  string `json:"providerId"`
	PublicKey   string `json:"publicKey,omitempty"`
}

func WalletInfoFor(w *model.Wallet, withKey bool) WalletInfo {
	info := WalletInfo{
		Altcurrency: w.Altcurrency,
		Provider:    string(w.Provider),
		ProviderID:  w.ProviderID,
	}
	if withKey {
		info.PublicKey = w.HTTPSigningPubKey
	}
	return info
}

type RedeemRequest struct {
	Grants      []string   `json:"grants"`
	Wallet      WalletInfo `json:"wallet"`
	Transaction string     `json:"transaction"`
}

type RedeemResponse struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Probi       decimal.Decimal `json:"probi"`
	Altcurrency string          `json:"altcurrency"`
	Address     string          `json:"address"`
	Fee         decimal.Decimal `json:"fee"`
}

type claimRequest struct {
	Wallet WalletInfo `json:"wallet"`
}

// Client talks to the grant redemption service
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "redeemer")),
	}
}

// Redeem submits a batch of grant tokens against a signed transfer
func (c *Client) Redeem(ctx context.Context, req RedeemRequest, clientIP, userAgent string) (*RedeemResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed encoding redeem request")
	}
	c.logger.Debug("redeeming grants", zap.Int("count", len(req.Grants)), zap.String("providerId", req.Wallet.ProviderID))
	out := &RedeemResponse{}
	if err := c.do(ctx, http.MethodPost, "/v1/grants", clientIP, userAgent, body, out); err != nil {
		return nil, errors.Wrapf(err, "failed redeeming %d grant(s)", len(req.Grants))
	}
	return out, nil
}

// Claim registers a wallet's claim to a grant
func (c *Client) Claim(ctx context.Context, grantID string, wallet WalletInfo, clientIP, userAgent string) error {
	body, err := json.Marshal(claimRequest{Wallet: wallet})
	if err != nil {
		return errors.Wrap(err, "failed encoding claim request")
	}
	return errors.Wrapf(c.do(ctx, http.MethodPut, "/v1/grants/"+grantID, clientIP, userAgent, body, nil),
		"failed registering claim for grant %s", grantID)
}

func (c *Client) do(ctx context.Context, method, path, clientIP, userAgent string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.URL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed building redeemer request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	// only the trusted caller address, never a forwarded chain
	if clientIP != "" {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return model.Retryable("redemption service unavailable", serviceRetry, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Retryable("redemption service unavailable", serviceRetry, err)
	}
	if resp.StatusCode >= 500 {
		return model.Retryable("redemption service unavailable", serviceRetry, fmt.Errorf("%s %s: %d", method, path, resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return errors.Errorf("redeemer %s %s returned %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "failed decoding redeemer response for %s", path)
}

