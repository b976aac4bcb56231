package localsigner

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrorizer1980/pisa/chain/types"
)

func TestGenerate_AddressIsStableAcrossSigns(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	addr1 := s.Address()
	tx := types.Transaction{Nonce: 1, Value: big.NewInt(5), GasPrice: big.NewInt(10)}
	_, err = s.SignTransaction(tx)
	require.NoError(t, err)

	assert.Equal(t, addr1, s.Address())
}

func TestSignTransaction_DifferentTransactionsYieldDifferentSignatures(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	tx1 := types.Transaction{Nonce: 1, Value: big.NewInt(5)}
	tx2 := types.Transaction{Nonce: 2, Value: big.NewInt(5)}

	sig1, err := s.SignTransaction(tx1)
	require.NoError(t, err)
	sig2, err := s.SignTransaction(tx2)
	require.NoError(t, err)

	assert.NotEqual(t, sig1, sig2)
}
