package wallet

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/go-fed/httpsig"
	"github.com/kaspanet/kaspad/app/appmessage"
	"github.com/kaspanet/kaspad/util"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

const (
	settlementKAS = "kaspa:qzk3uh2twkhu0fmuq50mdy3r2yzuwqvstq745hxs7tet25hfd4egcafcdmpdl"
	walletKAS     = "kaspa:qrstlz0uwkcrsrfswywfzesjek40d2m94mgq23xwwrjhav2qgzc9q4mxhjpau"
	strangerKAS   = "kaspa:qqkrl0er5ka5snd55gr9rcf6rlpx8nln8gf3jxf83w4dc0khfqmauy6qs83zm"
)

func signOctets(t *testing.T, priv ed25519.PrivateKey, octets string) map[string]string {
	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.ED25519}, httpsig.DigestSha256,
		[]string{"digest"}, httpsig.Signature, 0)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(priv, "primary", req, []byte(octets)))
	return map[string]string{
		"digest":    req.Header.Get("Digest"),
		"signature": req.Header.Get("Signature"),
	}
}

func signedTransfer(t *testing.T) (*model.Wallet, *model.UnsignedTx, *model.SignedTx) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	w := &model.Wallet{
		PaymentID:         "p1",
		Altcurrency:       "BAT",
		Provider:          model.ProviderSignature,
		HTTPSigningPubKey: hex.EncodeToString(pub),
	}
	tx := &model.UnsignedTx{
		RequestType:  "httpSignature",
		Denomination: &model.Denomination{Amount: "19", Currency: "BAT"},
		Destination:  "settlement-card",
	}
	octets, err := Octets(tx)
	require.NoError(t, err)
	return w, tx, &model.SignedTx{Headers: signOctets(t, priv, octets), Octets: octets}
}

func TestDigestMatchesHttpsig(t *testing.T) {
	_, _, signed := signedTransfer(t)
	require.Equal(t, Digest(signed.Octets), signed.Headers["digest"])
}

func TestValidHttpSignature(t *testing.T) {
	w, tx, signed := signedTransfer(t)
	require.NoError(t, validateHTTPSignature(w, tx, signed))

	// header names are case insensitive
	signed.Headers = map[string]string{"Digest": signed.Headers["digest"], "Signature": signed.Headers["signature"]}
	require.NoError(t, validateHTTPSignature(w, tx, signed))
}

func TestHttpSignatureRejections(t *testing.T) {
	t.Run("missing digest", func(t *testing.T) {
		w, tx, signed := signedTransfer(t)
		delete(signed.Headers, "digest")
		require.ErrorIs(t, validateHTTPSignature(w, tx, signed), model.ErrMissingDigest)
	})
	t.Run("altered octets", func(t *testing.T) {
		w, tx, signed := signedTransfer(t)
		signed.Octets = `{"denomination":{"amount":"20","currency":"BAT"},"destination":"settlement-card"}`
		require.ErrorIs(t, validateHTTPSignature(w, tx, signed), model.ErrTransactionsDiffered)
	})
	t.Run("garbage octets", func(t *testing.T) {
		w, tx, signed := signedTransfer(t)
		signed.Octets = "not json"
		require.ErrorIs(t, validateHTTPSignature(w, tx, signed), model.ErrTransactionsDiffered)
	})
	t.Run("digest mismatch", func(t *testing.T) {
		w, tx, signed := signedTransfer(t)
		signed.Headers["digest"] = Digest("something else")
		require.ErrorIs(t, validateHTTPSignature(w, tx, signed), model.ErrDigestMismatch)
	})
	t.Run("wrong key", func(t *testing.T) {
		w, tx, signed := signedTransfer(t)
		other, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		w.HTTPSigningPubKey = hex.EncodeToString(other)
		require.ErrorIs(t, validateHTTPSignature(w, tx, signed), model.ErrInvalidSignature)
	})
	t.Run("no key", func(t *testing.T) {
		w, tx, signed := signedTransfer(t)
		w.HTTPSigningPubKey = ""
		require.ErrorIs(t, validateHTTPSignature(w, tx, signed), model.ErrInvalidSignature)
	})
}

func chainTx(t *testing.T, outputs ...*appmessage.RPCTransactionOutput) *appmessage.RPCTransaction {
	return &appmessage.RPCTransaction{
		Inputs: []*appmessage.RPCTransactionInput{{
			PreviousOutpoint: &appmessage.RPCOutpoint{TransactionID: "aa", Index: 0},
			SigOpCount:       1,
		}},
		Outputs:      outputs,
		SubnetworkID: nativeSubnetworkID,
	}
}

func output(t *testing.T, address string, amount uint64) *appmessage.RPCTransactionOutput {
	script, err := payToScript(address, util.Bech32PrefixKaspa)
	require.NoError(t, err)
	return &appmessage.RPCTransactionOutput{Amount: amount, ScriptPublicKey: scriptToRPC(script)}
}

func encodeTx(t *testing.T, tx *appmessage.RPCTransaction) string {
	raw, err := json.Marshal(tx)
	require.NoError(t, err)
	return string(raw)
}

func TestStructuralValidation(t *testing.T) {
	unsigned := chainTx(t, output(t, settlementKAS, 400000000), output(t, walletKAS, 99999000))
	tx := &model.UnsignedTx{RequestType: "kaspaTransaction", Transaction: encodeTx(t, unsigned)}

	signed := chainTx(t, output(t, settlementKAS, 400000000), output(t, walletKAS, 99999000))
	signed.Inputs[0].SignatureScript = "41deadbeef01"
	require.NoError(t, validateStructural(tx, &model.SignedTx{Transaction: encodeTx(t, signed)}))

	redirected := chainTx(t, output(t, strangerKAS, 400000000), output(t, walletKAS, 99999000))
	require.ErrorIs(t, validateStructural(tx, &model.SignedTx{Transaction: encodeTx(t, redirected)}), model.ErrTransactionsDiffered)

	shorted := chainTx(t, output(t, settlementKAS, 300000000), output(t, walletKAS, 99999000))
	require.ErrorIs(t, validateStructural(tx, &model.SignedTx{Transaction: encodeTx(t, shorted)}), model.ErrTransactionsDiffered)

	rerouted := chainTx(t, output(t, settlementKAS, 400000000), output(t, walletKAS, 99999000))
	rerouted.Inputs[0].PreviousOutpoint = &appmessage.RPCOutpoint{TransactionID: "bb", Index: 0}
	require.ErrorIs(t, validateStructural(tx, &model.SignedTx{Transaction: encodeTx(t, rerouted)}), model.ErrTransactionsDiffered)

	require.ErrorIs(t, validateStructural(tx, &model.SignedTx{Transaction: "{"}), model.ErrValidation)
}
