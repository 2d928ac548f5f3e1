package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/zap-quote-engine/internal/model"
)

const validZaps = `{
  "56": {
    "zaps": [
      {
        "id": "pancakeswap",
        "zapAddress": "0xD4d3c5E7C3E1D35d8F2bBf1bD1C7bF1b0b7D1A01",
        "ammRouter": "0x10ED43C718714eb63d5aA57B78B54704E256024E",
        "ammFactory": "0xcA143Ce32Fe78f1f7019d7d551a6402fC5350c73",
        "ammPairInitHash": "0x00fb7f630766e6a796048ea87d01acd3068e8ff67d078148a3fa3f4a84f69bd5",
        "lpProviderFee": 0.0025,
        "withdrawEstimateMode": "getAmountOut",
        "connectors": [
          {"address": "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c", "decimals": 18, "symbol": "WBNB"}
        ]
      },
      {
        "id": "thena",
        "zapAddress": "0xD4d3c5E7C3E1D35d8F2bBf1bD1C7bF1b0b7D1A02",
        "ammRouter": "0xd4ae6eCA985340Dd434D38F470aCCce4DC78D109",
        "ammFactory": "0xAFD89d21BdB66d00817d4153E055830B1c2B3970",
        "ammPairInitHash": "0x8d3d214c094a9889564f695c3e9fa516dd3b50bc3258207acd7f8b8e6b94fb65",
        "lpProviderFee": "0.0004",
        "withdrawEstimateMode": "getAmountOutWithFee",
        "withdrawEstimateFee": "0.0004",
        "ammKind": "stable"
      }
    ],
    "bridges": [
      {
        "id": "usdc-to-polygon",
        "toChain": 137,
        "bridge": "0x2796317b0fF8538F253012862c06787Adfb8cEb6",
        "token": {"chain_id": 56, "address": "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", "decimals": 18, "symbol": "USDC"},
        "destToken": {"chain_id": 137, "address": "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", "decimals": 6, "symbol": "USDC"},
        "feeBps": 5
      }
    ]
  }
}`

const validVaults = `[
  {
    "id": "cakev2-bnb-busd",
    "chain_id": 56,
    "address": "0xAd61143796D90FD5A61d89D63a546C7dB0a70475",
    "strategy_type_id": "lp",
    "want": {"chain_id": 56, "address": "0x58F876857a02D6762E0101bb5C46A8c1ED44Dc16", "decimals": 18, "symbol": "BNB-BUSD LP"},
    "amm_id": "pancakeswap",
    "lp_tokens": [
      {"chain_id": 56, "address": "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c", "decimals": 18, "symbol": "WBNB"},
      {"chain_id": 56, "address": "0xe9e7CEA3DedcA5984780Bafc599bD69ADd087D56", "decimals": 18, "symbol": "BUSD"}
    ]
  },
  {
    "id": "venus-usdc",
    "chain_id": 56,
    "address": "0x2Ce1F0e9c0B1dA8E6b6D9dDbfB0bC73a50F20A6c",
    "strategy_type_id": "lending",
    "want": {"chain_id": 56, "address": "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", "decimals": 18, "symbol": "USDC"},
    "lending_pool": "0xfD36E2c2a6789Db23113685031d7F16329158384",
    "receipt_token": {"chain_id": 56, "address": "0xecA88125a5ADbe82614ffC12D0DB554E2e2867C8", "decimals": 8, "symbol": "vUSDC"}
  }
]`

func TestParseZapStore_Valid(t *testing.T) {
	store, err := ParseZapStore([]byte(validZaps), []byte(validVaults))
	require.NoError(t, err)

	entries := store.Entries(56)
	require.Len(t, entries, 2)
	assert.Equal(t, "pancakeswap", entries[0].ID, "file order is preserved")
	assert.Equal(t, model.AmmConstantProduct, entries[0].Kind, "kind defaults to constant product")
	assert.Equal(t, "2500000000000000", entries[0].LPProviderFee.ToBig().String())
	require.Len(t, entries[0].Connectors, 1)
	assert.Equal(t, uint64(56), entries[0].Connectors[0].ChainID, "connectors default to the entry's chain")
	assert.Equal(t, "WBNB", entries[0].Connectors[0].Symbol)

	thena, ok := store.Entry(56, "thena")
	require.True(t, ok)
	assert.Equal(t, model.AmmStable, thena.Kind)
	assert.Equal(t, "400000000000000", thena.WithdrawFee().ToBig().String())

	assert.Empty(t, store.Entries(1))
	assert.Equal(t, []uint64{56}, store.Chains())

	routes := store.Bridges(56, 137)
	require.Len(t, routes, 1)
	assert.Equal(t, uint64(5), routes[0].FeeBps)
	assert.Empty(t, store.Bridges(137, 56))

	vault, ok := store.Vault("cakev2-bnb-busd")
	require.True(t, ok)
	assert.Equal(t, model.StrategyLP, vault.StrategyTypeID)
	assert.Len(t, store.Vaults(), 2)
}

func TestZapStore_EntriesReturnsCopy(t *testing.T) {
	store, err := ParseZapStore([]byte(validZaps), nil)
	require.NoError(t, err)

	entries := store.Entries(56)
	entries[0].ID = "mutated"

	again := store.Entries(56)
	assert.Equal(t, "pancakeswap", again[0].ID)
}

func TestParseZapStore_MalformedEntries(t *testing.T) {
	tests := []struct {
		name      string
		replace   [2]string
		wantEntry string
		wantIn    string
	}{
		{
			name:      "fee equal to one",
			replace:   [2]string{`"lpProviderFee": 0.0025`, `"lpProviderFee": 1`},
			wantEntry: "56/pancakeswap",
			wantIn:    "lpProviderFee",
		},
		{
			name:      "negative fee",
			replace:   [2]string{`"lpProviderFee": 0.0025`, `"lpProviderFee": -0.1`},
			wantEntry: "56/pancakeswap",
			wantIn:    "lpProviderFee",
		},
		{
			name:      "missing router",
			replace:   [2]string{`"ammRouter": "0x10ED43C718714eb63d5aA57B78B54704E256024E",`, ``},
			wantEntry: "56/pancakeswap",
			wantIn:    "ammRouter",
		},
		{
			name:      "bad factory hex",
			replace:   [2]string{`0xcA143Ce32Fe78f1f7019d7d551a6402fC5350c73`, `0xnothex`},
			wantEntry: "56/pancakeswap",
			wantIn:    "ammFactory",
		},
		{
			name:      "short init hash",
			replace:   [2]string{`0x00fb7f630766e6a796048ea87d01acd3068e8ff67d078148a3fa3f4a84f69bd5`, `0x00fb`},
			wantEntry: "56/pancakeswap",
			wantIn:    "ammPairInitHash",
		},
		{
			name:      "unknown kind",
			replace:   [2]string{`"ammKind": "stable"`, `"ammKind": "concentrated"`},
			wantEntry: "56/thena",
			wantIn:    "ammKind",
		},
		{
			name:      "with-fee mode without fee",
			replace:   [2]string{`"withdrawEstimateFee": "0.0004",`, ``},
			wantEntry: "56/thena",
			wantIn:    "withdrawEstimateFee",
		},
		{
			name:      "connector on another chain",
			replace:   [2]string{`{"address": "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"`, `{"chain_id": 1, "address": "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"`},
			wantEntry: "56/pancakeswap",
			wantIn:    "connectors[0]",
		},
		{
			name:      "connector without address",
			replace:   [2]string{`"address": "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c", "decimals": 18, "symbol": "WBNB"`, `"decimals": 18, "symbol": "WBNB"`},
			wantEntry: "56/pancakeswap",
			wantIn:    "connectors[0]",
		},
		{
			name:      "non numeric chain",
			replace:   [2]string{`"56": {`, `"bsc": {`},
			wantEntry: "bsc",
			wantIn:    "chain id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := strings.Replace(validZaps, tt.replace[0], tt.replace[1], 1)
			require.NotEqual(t, validZaps, data, "replacement must apply")

			_, err := ParseZapStore([]byte(data), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrConfig)

			var cfgErr *model.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.wantEntry, cfgErr.Entry)
			assert.Contains(t, cfgErr.Reason, tt.wantIn)
		})
	}
}

func TestParseZapStore_MalformedVaults(t *testing.T) {
	tests := []struct {
		name      string
		replace   [2]string
		wantEntry string
	}{
		{"unknown amm", [2]string{`"amm_id": "pancakeswap"`, `"amm_id": "sushiswap"`}, "cakev2-bnb-busd"},
		{"unknown strategy type", [2]string{`"strategy_type_id": "lending"`, `"strategy_type_id": "staking"`}, "venus-usdc"},
		{"missing lending pool", [2]string{`"lending_pool": "0xfD36E2c2a6789Db23113685031d7F16329158384",`, ``}, "venus-usdc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := strings.Replace(validVaults, tt.replace[0], tt.replace[1], 1)
			_, err := ParseZapStore([]byte(validZaps), []byte(data))

			var cfgErr *model.ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.wantEntry, cfgErr.Entry)
		})
	}
}

func TestParseZapStore_BridgeMustChangeChain(t *testing.T) {
	data := strings.Replace(validZaps, `"toChain": 137`, `"toChain": 56`, 1)
	_, err := ParseZapStore([]byte(data), nil)

	var cfgErr *model.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "56/usdc-to-polygon", cfgErr.Entry)
}

func TestLoadZapStore_FromDisk(t *testing.T) {
	dir := t.TempDir()
	zapPath := filepath.Join(dir, "zaps.json")
	vaultPath := filepath.Join(dir, "vaults.json")
	require.NoError(t, os.WriteFile(zapPath, []byte(validZaps), 0o600))
	require.NoError(t, os.WriteFile(vaultPath, []byte(validVaults), 0o600))

	store, err := LoadZapStore(zapPath, vaultPath)
	require.NoError(t, err)
	assert.Len(t, store.Entries(56), 2)

	_, err = LoadZapStore(filepath.Join(dir, "missing.json"), "")
	assert.Error(t, err)
}
