package responder

import "github.com/terrorizer1980/pisa/chain/types"

// Signer is the wallet the Multi-Responder exclusively owns, per
// spec.md §5: no other component ever signs a transaction, and the
// signer is never exposed outside this package. Grounded on
// BridgeTxPool's types.Signer field, generalized from klaytn's
// concrete EIP155Signer to an interface so the wallet backing it
// (local key, HSM, remote signer) is an implementation detail of the
// operator's deployment, not of responder itself.
type Signer interface {
	// Address is the account every queued item is signed and broadcast
	// from.
	Address() types.Address

	// SignTransaction returns the RLP-ish wire encoding of tx signed by
	// Address, ready for provider.Provider.SendRawTransaction.
	SignTransaction(tx types.Transaction) ([]byte, error)
}
