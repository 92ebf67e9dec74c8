package orderbook

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrBadSignature = errors.New("signature does not recover the order trader")

// Authenticator recovers the signer of an order hash. Injected into the
// book so the signature scheme can change without touching matching rules.
type Authenticator interface {
	Recover(hash common.Hash, sig []byte) (common.Address, error)
}

// Secp256k1Authenticator recovers secp256k1 signatures over the raw order
// hash in the 65-byte [R || S || V] format.
type Secp256k1Authenticator struct{}

func (Secp256k1Authenticator) Recover(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature length %d", ErrBadSignature, len(sig))
	}
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignOrder signs the order hash with the trader's key. Used by order
// submitters and tests.
func SignOrder(o *Order, key *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(o.Hash().Bytes(), key)
}
