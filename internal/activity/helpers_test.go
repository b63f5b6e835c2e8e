package activity

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"activityindexer/internal/client/feed"
)

type testSigner struct {
	key     *ecdsa.PrivateKey
	address string
}

func newTestSigner(t *testing.T) testSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return testSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

func (s testSigner) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), s.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

// signedEntry signs body the way the publisher does and wraps it in an entry.
func (s testSigner) signedEntry(t *testing.T, body string) feed.Entry {
	t.Helper()
	var b feed.Body
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	hash, err := ContentHash(b)
	if err != nil {
		t.Fatalf("content hash: %v", err)
	}
	return decodeEntry(t, fmt.Sprintf(`{"body":%s,"merkleRoot":%q,"signature":%q}`, body, hash, s.sign(t, hash)))
}

func (s testSigner) body(seq int64, publishedAt time.Time, text string) string {
	return fmt.Sprintf(`{"type":"text-short","publishedAt":%d,"sequence":%d,"username":"alice","address":%q,"data":{"text":%q},"prevMerkleRoot":""}`,
		publishedAt.UnixMilli(), seq, s.address, text)
}

func decodeEntry(t *testing.T, raw string) feed.Entry {
	t.Helper()
	var e feed.Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	return e
}

// plainEntry builds an unsigned entry with an arbitrary content hash, for
// tests that stub verification.
func plainEntry(t *testing.T, seq int64, hash, text string, publishedAt time.Time) feed.Entry {
	t.Helper()
	return decodeEntry(t, fmt.Sprintf(
		`{"body":{"type":"text-short","publishedAt":%d,"sequence":%d,"username":"alice","address":"0xabc","data":{"text":%q}},"merkleRoot":%q,"signature":"0x"}`,
		publishedAt.UnixMilli(), seq, text, hash))
}

var trustAll = VerifierFunc(func(string, feed.Entry) bool { return true })
