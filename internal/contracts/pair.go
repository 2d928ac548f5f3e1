package contracts

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/yourorg/zap-quote-engine/internal/model"
)

// SortTokens orders two addresses the way pair factories do
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

// PairFor derives the pair address from the factory, its init code hash and the token pair
// without an RPC round trip. Solidly factories add the stable flag to the salt.
func PairFor(entry model.ZapEntry, tokenA, tokenB common.Address, stable bool) common.Address {
	token0, token1 := SortTokens(tokenA, tokenB)

	var salt common.Hash
	if entry.Kind == model.AmmStable {
		flag := byte(0)
		if stable {
			flag = 1
		}
		salt = crypto.Keccak256Hash(token0.Bytes(), token1.Bytes(), []byte{flag})
	} else {
		salt = crypto.Keccak256Hash(token0.Bytes(), token1.Bytes())
	}
	return crypto.CreateAddress2(entry.Factory, salt, entry.PairInitHash.Bytes())
}
