package wallet

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-fed/httpsig"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/kaspanet/kaspad/app/appmessage"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ed25519"
)

// transferPayload is the exact document a self-custody client signs
type transferPayload struct {
	Denomination *model.Denomination `json:"denomination"`
	Destination  string              `json:"destination"`
}

// Octets renders the unsigned transfer the way clients are expected to sign it
func Octets(tx *model.UnsignedTx) (string, error) {
	encoded, err := json.Marshal(transferPayload{Denomination: tx.Denomination, Destination: tx.Destination})
	if err != nil {
		return "", errors.Wrap(err, "failed encoding unsigned transaction")
	}
	return string(encoded), nil
}

func Digest(octets string) string {
	sum := sha256.Sum256([]byte(octets))
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// validateHTTPSignature checks a detached ed25519 http-signature over the
// exact unsigned transfer. Every check fails closed.
func validateHTTPSignature(w *model.Wallet, tx *model.UnsignedTx, signed *model.SignedTx) error {
	if signed == nil || header(signed.Headers, "digest") == "" {
		return model.ErrMissingDigest
	}
	if tx == nil || tx.Denomination == nil {
		return errors.Wrap(model.ErrValidation, "no unsigned transaction to compare against")
	}

	var parsed, expected map[string]any
	if err := json.Unmarshal([]byte(signed.Octets), &parsed); err != nil {
		return errors.Wrap(model.ErrTransactionsDiffered, "octets are not a valid transaction")
	}
	octets, err := Octets(tx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(octets), &expected); err != nil {
		return errors.Wrap(err, "failed decoding unsigned transaction")
	}
	if !cmp.Equal(expected, parsed) {
		return model.ErrTransactionsDiffered
	}

	if Digest(signed.Octets) != header(signed.Headers, "digest") {
		return model.ErrDigestMismatch
	}

	pub, err := hex.DecodeString(w.HTTPSigningPubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.Wrap(model.ErrInvalidSignature, "wallet has no valid signing key")
	}
	req, err := http.NewRequest(http.MethodPost, "/", nil)
	if err != nil {
		return errors.Wrap(err, "failed building verification request")
	}
	for k, v := range signed.Headers {
		req.Header.Set(k, v)
	}
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return errors.Wrap(model.ErrInvalidSignature, err.Error())
	}
	if err := verifier.Verify(ed25519.PublicKey(pub), httpsig.ED25519); err != nil {
		return errors.Wrap(model.ErrInvalidSignature, err.Error())
	}
	return nil
}

var inputComparer = cmpopts.IgnoreFields(appmessage.RPCTransactionInput{}, "SignatureScript", "VerboseData")

// validateStructural requires the signed chain transaction to match the
// unsigned one everywhere except the unlocking scripts
func validateStructural(tx *model.UnsignedTx, signed *model.SignedTx) error {
	if tx == nil || signed == nil {
		return errors.Wrap(model.ErrValidation, "missing transaction")
	}
	unsignedTx, err := decodeChainTx(tx.Transaction)
	if err != nil {
		return err
	}
	signedTx, err := decodeChainTx(signed.Transaction)
	if err != nil {
		return err
	}

	if unsignedTx.Version != signedTx.Version || unsignedTx.LockTime != signedTx.LockTime {
		return model.ErrTransactionsDiffered
	}
	if len(unsignedTx.Inputs) != len(signedTx.Inputs) {
		return model.ErrTransactionsDiffered
	}
	for i := range unsignedTx.Inputs {
		if !cmp.Equal(unsignedTx.Inputs[i], signedTx.Inputs[i], inputComparer) {
			return model.ErrTransactionsDiffered
		}
	}
	if !cmp.Equal(unsignedTx.Outputs, signedTx.Outputs) {
		return model.ErrTransactionsDiffered
	}
	return nil
}

func decodeChainTx(raw string) (*appmessage.RPCTransaction, error) {
	tx := &appmessage.RPCTransaction{}
	if err := json.Unmarshal([]byte(raw), tx); err != nil {
		return nil, errors.Wrap(model.ErrValidation, "malformed chain transaction")
	}
	return tx, nil
}
