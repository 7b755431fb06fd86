package grants

import (
	"encoding/hex"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ed25519"
)

type grantClaims struct {
	model.GrantContent
	jwt.RegisteredClaims
}

// TokenDecoder reads grant tokens, compact JWS documents. Without a key the
// signature is not checked, the redemption service verifies it on redeem.
type TokenDecoder struct {
	key    ed25519.PublicKey
	scales func(alt string) error
}

// NewTokenDecoder takes an optional hex ed25519 key for signature checks
func NewTokenDecoder(hexKey string, knownAlt func(alt string) error) (*TokenDecoder, error) {
	td := &TokenDecoder{scales: knownAlt}
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, errors.New("grant verify key must be a hex encoded ed25519 key")
		}
		td.key = ed25519.PublicKey(key)
	}
	return td, nil
}

func (td *TokenDecoder) Decode(token string) (model.GrantContent, error) {
	claims := &grantClaims{}
	var err error
	if td.key != nil {
		_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return td.key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	} else {
		_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	}
	if err != nil {
		return model.GrantContent{}, errors.Wrapf(model.ErrValidation, "invalid grant token: %s", err)
	}
	if err := td.validate(claims.GrantContent); err != nil {
		return model.GrantContent{}, err
	}
	return claims.GrantContent, nil
}

func (td *TokenDecoder) validate(gc model.GrantContent) error {
	if _, err := uuid.Parse(gc.GrantID); err != nil {
		return errors.Wrapf(model.ErrValidation, "grantId %q is not a uuid", gc.GrantID)
	}
	if _, err := uuid.Parse(gc.PromotionID); err != nil {
		return errors.Wrapf(model.ErrValidation, "promotionId %q is not a uuid", gc.PromotionID)
	}
	if td.scales != nil {
		if err := td.scales(gc.Altcurrency); err != nil {
			return errors.Wrapf(model.ErrValidation, "grant %s altcurrency %q", gc.GrantID, gc.Altcurrency)
		}
	}
	if !gc.Probi.IsPositive() {
		return errors.Wrapf(model.ErrValidation, "grant %s has no value", gc.GrantID)
	}
	if gc.MaturityTime <= 0 || gc.ExpiryTime <= 0 {
		return errors.Wrapf(model.ErrValidation, "grant %s has no validity window", gc.GrantID)
	}
	return nil
}
