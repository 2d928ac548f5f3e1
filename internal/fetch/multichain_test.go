package fetch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/zap-quote-engine/internal/fetch"
	"github.com/yourorg/zap-quote-engine/internal/fetch/fetchtest"
	"github.com/yourorg/zap-quote-engine/internal/model"
)

func TestMultiChainReaderRoutesByChain(t *testing.T) {
	bsc := fetchtest.New()
	bsc.SetBlock(56, 1_000)
	polygon := fetchtest.New()
	polygon.SetBlock(137, 5_000)
	token := common.HexToAddress("0x0E09FaBB73Bd3Ade0a17ECC321fD13a19e81cE82")
	owner := common.HexToAddress("0x9999999999999999999999999999999999999999")
	polygon.SetBalance(token, owner, uint256.NewInt(42))

	mc := fetch.NewMultiChainReader()
	mc.Register(137, polygon)
	mc.Register(56, bsc)
	assert.Equal(t, []uint64{56, 137}, mc.Chains())

	block, err := mc.BlockNumber(context.Background(), 56)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), block)

	balance, err := mc.BalanceOf(context.Background(), model.Token{ChainID: 137, Address: token}, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), balance.Uint64())
	assert.Equal(t, 1, bsc.Calls())
	assert.Equal(t, 1, polygon.Calls())

	_, err = mc.BlockNumber(context.Background(), 1)
	assert.ErrorIs(t, err, fetch.ErrChainNotConfigured)
	_, err = mc.VaultState(context.Background(), model.Vault{ChainID: 1})
	assert.ErrorIs(t, err, fetch.ErrChainNotConfigured)
}

func TestHeadsReportsFailingChains(t *testing.T) {
	healthy := fetchtest.New()
	healthy.SetBlock(56, 1_000)
	broken := fetchtest.New()
	broken.Err = errors.New("connection refused")
	slow := fetchtest.New()
	slow.SetBlock(137, 7)
	slow.Delay = time.Second

	mc := fetch.NewMultiChainReader()
	mc.Register(56, healthy)
	mc.Register(1, broken)
	mc.Register(137, slow)

	start := time.Now()
	heads := mc.Heads(context.Background(), 50*time.Millisecond)
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	require.Len(t, heads, 3)
	assert.Equal(t, uint64(1), heads[0].ChainID)
	assert.Contains(t, heads[0].Error, "connection refused")
	assert.Equal(t, "bsc", heads[1].Name)
	assert.Equal(t, uint64(1_000), heads[1].Block)
	assert.Empty(t, heads[1].Error)
	assert.Equal(t, "polygon", heads[2].Name)
	assert.NotEmpty(t, heads[2].Error)
}
