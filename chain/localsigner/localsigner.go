// Package localsigner provides the minimal, file-backed responder.Signer
// cmd/pisawatch falls back to when an operator hasn't wired in their
// own wallet (HSM, remote signer, an accounts/keystore-style manager).
//
// responder.Signer is deliberately an interface — "the wallet backing
// it (local key, HSM, remote signer) is an implementation detail of
// the operator's deployment, not of responder itself" — and the
// retrieval pack this repo was built from has no accounts/keystore
// package to generalize (klaytn's own keystore was filtered out of the
// corpus), so this reference implementation is built directly on
// crypto/ecdsa rather than adapted from a teacher file. Production
// deployments are expected to supply their own responder.Signer; see
// DESIGN.md.
package localsigner

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/terrorizer1980/pisa/chain/types"
)

// Signer signs outgoing responder transactions with a single ECDSA
// key loaded from a PEM file on disk.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr types.Address
}

// Load reads an EC private key from a PEM-encoded file at path.
func Load(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("localsigner: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("localsigner: %s contains no PEM block", path)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("localsigner: %w", err)
	}
	return New(key), nil
}

// Generate creates a fresh key, useful for local development and
// tests where no operator key has been provisioned yet.
func Generate() (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return New(key), nil
}

// New wraps an already-loaded key.
func New(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, addr: addressOf(key)}
}

func addressOf(key *ecdsa.PrivateKey) types.Address {
	pub := append(key.PublicKey.X.Bytes(), key.PublicKey.Y.Bytes()...)
	digest := sha256.Sum256(pub)
	var addr types.Address
	copy(addr[:], digest[len(digest)-len(addr):])
	return addr
}

func (s *Signer) Address() types.Address { return s.addr }

// SignTransaction returns an ASN.1 ECDSA (P-256) signature over a
// SHA-256 digest of the transaction's To, the low byte of its Nonce,
// Value, GasPrice and Data. It does not produce an RLP-encoded signed
// transaction, and nothing downstream adds one: responder hands the
// result straight to Provider.SendRawTransaction, and rpcprovider
// forwards those bytes unchanged.
func (s *Signer) SignTransaction(tx types.Transaction) ([]byte, error) {
	digest := sha256.Sum256(encodeForSigning(tx))
	return ecdsa.SignASN1(rand.Reader, s.key, digest[:])
}

func encodeForSigning(tx types.Transaction) []byte {
	buf := make([]byte, 0, 64+len(tx.Data))
	buf = append(buf, tx.To[:]...)
	buf = append(buf, byte(tx.Nonce))
	if tx.Value != nil {
		buf = append(buf, tx.Value.Bytes()...)
	}
	if tx.GasPrice != nil {
		buf = append(buf, tx.GasPrice.Bytes()...)
	}
	buf = append(buf, tx.Data...)
	return buf
}
