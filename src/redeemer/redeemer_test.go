package redeemer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/onemorebsmith/probi-settlement/src/common"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var logger = common.ConfigureZap(zap.ErrorLevel)

func TestRedeem(t *testing.T) {
	var got RedeemRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/grants", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "10.0.0.1", r.Header.Get("X-Forwarded-For"))
		require.Equal(t, "tester/1.0", r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"r1","status":"accepted","probi":"110","altcurrency":"BAT","fee":0}`))
	}))
	defer srv.Close()

	client := NewClient(Config{URL: srv.URL, AccessToken: "secret"}, logger)
	req := RedeemRequest{
		Grants:      []string{"tok1", "tok2"},
		Wallet:      WalletInfo{Altcurrency: "BAT", Provider: "uphold", ProviderID: "card-1", PublicKey: "ab"},
		Transaction: "e30=",
	}
	resp, err := client.Redeem(context.Background(), req, "10.0.0.1", "tester/1.0")
	require.NoError(t, err)
	if diff := cmp.Diff(req, got); diff != "" {
		t.Fatalf("redeem request mismatch: %s", diff)
	}
	require.Equal(t, "accepted", resp.Status)
	require.True(t, resp.Probi.Equal(decimal.NewFromInt(110)))
	require.True(t, resp.Fee.IsZero())
}

func TestClaimAndFailures(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/v1/grants/g1", r.URL.Path)
		var body map[string]map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "card-1", body["wallet"]["providerId"])
		_, hasKey := body["wallet"]["publicKey"]
		require.False(t, hasKey)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	client := NewClient(Config{URL: srv.URL, AccessToken: "secret"}, logger)
	w := &model.Wallet{Altcurrency: "BAT", Provider: model.ProviderCard, ProviderID: "card-1", HTTPSigningPubKey: "ab"}
	ctx := context.Background()
	require.NoError(t, client.Claim(ctx, "g1", WalletInfoFor(w, false), "", ""))

	status = http.StatusBadGateway
	err := client.Claim(ctx, "g1", WalletInfoFor(w, false), "", "")
	require.True(t, model.IsRetryable(err))

	status = http.StatusConflict
	err = client.Claim(ctx, "g1", WalletInfoFor(w, false), "", "")
	require.Error(t, err)
	require.False(t, model.IsRetryable(err))
}

func TestUnreachable(t *testing.T) {
	client := NewClient(Config{URL: "http://127.0.0.1:1"}, logger)
	_, err := client.Redeem(context.Background(), RedeemRequest{}, "", "")
	require.True(t, model.IsRetryable(err))
}
