package activity

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"activityindexer/internal/client/feed"
)

// Verifier decides whether an entry was produced by the holder of address.
type Verifier interface {
	Verify(address string, entry feed.Entry) bool
}

type VerifierFunc func(address string, entry feed.Entry) bool

func (f VerifierFunc) Verify(address string, entry feed.Entry) bool {
	return f(address, entry)
}

// SignatureVerifier checks the publisher's signed-blob scheme: the declared
// merkle root must be the hash of the canonical body, and the signature over
// that root must recover to the claimed address.
type SignatureVerifier struct{}

func (SignatureVerifier) Verify(address string, entry feed.Entry) bool {
	return Verify(address, entry)
}

func Verify(address string, entry feed.Entry) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return false
	}
	derived, err := ContentHash(entry.Body)
	if err != nil || derived != entry.MerkleRoot {
		return false
	}
	signer, err := RecoverSigner(derived, entry.Signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(signer.Hex(), address)
}

// RecoverSigner returns the address whose key produced signature over the
// personal-message (EIP-191) hash of message.
func RecoverSigner(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return common.Address{}, err
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, errors.New("invalid signature recovery id")
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
