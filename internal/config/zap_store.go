package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/zap-quote-engine/internal/amm"
	"github.com/yourorg/zap-quote-engine/internal/model"
)

// zapRecord mirrors one entry of the zap config file. Addresses are kept as strings so a
// malformed value can be reported against the entry that carries it.
type zapRecord struct {
	ID                   string      `json:"id"`
	ZapAddress           string      `json:"zapAddress"`
	AmmRouter            string      `json:"ammRouter"`
	AmmFactory           string      `json:"ammFactory"`
	AmmPairInitHash      string      `json:"ammPairInitHash"`
	LPProviderFee        json.Number `json:"lpProviderFee"`
	WithdrawEstimateMode string      `json:"withdrawEstimateMode"`
	WithdrawEstimateFee  json.Number `json:"withdrawEstimateFee,omitempty"`
	AmmKind              string        `json:"ammKind,omitempty"`
	Connectors           []model.Token `json:"connectors,omitempty"`
}

type bridgeRecord struct {
	ID        string      `json:"id"`
	ToChain   uint64      `json:"toChain"`
	Bridge    string      `json:"bridge"`
	Token     model.Token `json:"token"`
	DestToken model.Token `json:"destToken"`
	FeeBps    uint64      `json:"feeBps"`
}

type chainRecord struct {
	Zaps    []zapRecord    `json:"zaps"`
	Bridges []bridgeRecord `json:"bridges,omitempty"`
}

// ZapStore is the immutable chain-keyed table of AMM entries, vaults and bridge routes.
// It is built once at startup and is safe for concurrent reads without locking.
type ZapStore struct {
	zaps    map[uint64][]model.ZapEntry
	byID    map[string]model.ZapEntry
	vaults  map[string]model.Vault
	bridges map[uint64][]model.BridgeRoute
}

// LoadZapStore reads the zap and vault files from disk
func LoadZapStore(zapPath, vaultPath string) (*ZapStore, error) {
	zapData, err := os.ReadFile(zapPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read zap config: %w", err)
	}
	var vaultData []byte
	if vaultPath != "" {
		vaultData, err = os.ReadFile(vaultPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read vault config: %w", err)
		}
	}
	return ParseZapStore(zapData, vaultData)
}

// ParseZapStore builds a store from raw JSON. Any malformed entry fails the whole load with a
// *model.ConfigError naming the entry.
func ParseZapStore(zapData, vaultData []byte) (*ZapStore, error) {
	var chains map[string]chainRecord
	if err := json.Unmarshal(zapData, &chains); err != nil {
		return nil, &model.ConfigError{Entry: "zaps", Reason: err.Error()}
	}

	// deterministic error reporting regardless of map order
	keys := make([]string, 0, len(chains))
	for k := range chains {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var entries []model.ZapEntry
	var routes []model.BridgeRoute
	for _, key := range keys {
		chainID, err := strconv.ParseUint(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, &model.ConfigError{Entry: key, Reason: "chain key is not a numeric chain id"}
		}
		chain := chains[key]
		for i, rec := range chain.Zaps {
			entry, err := rec.toEntry(chainID, i)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
		for i, rec := range chain.Bridges {
			route, err := rec.toRoute(chainID, i)
			if err != nil {
				return nil, err
			}
			routes = append(routes, route)
		}
	}

	var vaults []model.Vault
	if len(vaultData) > 0 {
		var raw []json.RawMessage
		if err := json.Unmarshal(vaultData, &raw); err != nil {
			return nil, &model.ConfigError{Entry: "vaults", Reason: err.Error()}
		}
		for i, msg := range raw {
			var v model.Vault
			if err := json.Unmarshal(msg, &v); err != nil {
				return nil, &model.ConfigError{Entry: fmt.Sprintf("vaults[%d]", i), Reason: err.Error()}
			}
			vaults = append(vaults, v)
		}
	}

	return NewZapStore(entries, vaults, routes)
}

// NewZapStore validates already-decoded records and indexes them
func NewZapStore(entries []model.ZapEntry, vaults []model.Vault, routes []model.BridgeRoute) (*ZapStore, error) {
	s := &ZapStore{
		zaps:    make(map[uint64][]model.ZapEntry),
		byID:    make(map[string]model.ZapEntry),
		vaults:  make(map[string]model.Vault),
		bridges: make(map[uint64][]model.BridgeRoute),
	}

	for _, e := range entries {
		name := entryName(e.ChainID, e.ID)
		if err := validateEntry(e); err != nil {
			return nil, &model.ConfigError{Entry: name, Reason: err.Error()}
		}
		if _, dup := s.byID[name]; dup {
			return nil, &model.ConfigError{Entry: name, Reason: "duplicate zap id"}
		}
		s.byID[name] = e
		s.zaps[e.ChainID] = append(s.zaps[e.ChainID], e)
	}

	for _, r := range routes {
		name := entryName(r.FromChain, r.ID)
		if err := validateRoute(r); err != nil {
			return nil, &model.ConfigError{Entry: name, Reason: err.Error()}
		}
		s.bridges[r.FromChain] = append(s.bridges[r.FromChain], r)
	}

	for _, v := range vaults {
		name := v.ID
		if name == "" {
			name = v.Address.Hex()
		}
		if _, dup := s.vaults[v.ID]; dup {
			return nil, &model.ConfigError{Entry: name, Reason: "duplicate vault id"}
		}
		if err := s.validateVault(v); err != nil {
			return nil, &model.ConfigError{Entry: name, Reason: err.Error()}
		}
		s.vaults[v.ID] = v
	}

	return s, nil
}

// Entries returns the AMM entries of a chain in file order
func (s *ZapStore) Entries(chainID uint64) []model.ZapEntry {
	src := s.zaps[chainID]
	out := make([]model.ZapEntry, len(src))
	copy(out, src)
	return out
}

// Entry looks up one AMM entry by chain and id
func (s *ZapStore) Entry(chainID uint64, id string) (model.ZapEntry, bool) {
	e, ok := s.byID[entryName(chainID, id)]
	return e, ok
}

// Vault looks up a vault by id
func (s *ZapStore) Vault(id string) (model.Vault, bool) {
	v, ok := s.vaults[id]
	return v, ok
}

// Vaults returns every vault sorted by id
func (s *ZapStore) Vaults() []model.Vault {
	out := make([]model.Vault, 0, len(s.vaults))
	for _, v := range s.vaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bridges returns the routes from one chain to another in file order
func (s *ZapStore) Bridges(fromChain, toChain uint64) []model.BridgeRoute {
	var out []model.BridgeRoute
	for _, r := range s.bridges[fromChain] {
		if r.ToChain == toChain {
			out = append(out, r)
		}
	}
	return out
}

// Chains lists every chain id with at least one AMM entry
func (s *ZapStore) Chains() []uint64 {
	out := make([]uint64, 0, len(s.zaps))
	for id := range s.zaps {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r zapRecord) toEntry(chainID uint64, index int) (model.ZapEntry, error) {
	name := r.ID
	if name == "" {
		name = strconv.Itoa(index)
	}
	name = entryName(chainID, name)
	fail := func(format string, args ...any) (model.ZapEntry, error) {
		return model.ZapEntry{}, &model.ConfigError{Entry: name, Reason: fmt.Sprintf(format, args...)}
	}

	if r.ID == "" {
		return fail("missing id")
	}
	zap, err := parseAddress("zapAddress", r.ZapAddress)
	if err != nil {
		return fail("%v", err)
	}
	router, err := parseAddress("ammRouter", r.AmmRouter)
	if err != nil {
		return fail("%v", err)
	}
	factory, err := parseAddress("ammFactory", r.AmmFactory)
	if err != nil {
		return fail("%v", err)
	}
	hash, err := parseHash("ammPairInitHash", r.AmmPairInitHash)
	if err != nil {
		return fail("%v", err)
	}
	if r.LPProviderFee == "" {
		return fail("missing lpProviderFee")
	}
	fee, err := amm.ParseFee(r.LPProviderFee.String())
	if err != nil {
		return fail("lpProviderFee: %v", err)
	}

	entry := model.ZapEntry{
		ID:                   r.ID,
		ChainID:              chainID,
		ZapAddress:           zap,
		Router:               router,
		Factory:              factory,
		PairInitHash:         hash,
		LPProviderFee:        fee,
		Kind:                 model.AmmKind(r.AmmKind),
		WithdrawEstimateMode: model.WithdrawEstimateMode(r.WithdrawEstimateMode),
	}
	if entry.Kind == "" {
		entry.Kind = model.AmmConstantProduct
	}
	if entry.WithdrawEstimateMode == "" {
		entry.WithdrawEstimateMode = model.EstimateGetAmountOut
	}
	if r.WithdrawEstimateFee != "" {
		wf, err := amm.ParseFee(r.WithdrawEstimateFee.String())
		if err != nil {
			return fail("withdrawEstimateFee: %v", err)
		}
		entry.WithdrawEstimateFee = wf
	}
	for _, c := range r.Connectors {
		if c.ChainID == 0 {
			c.ChainID = chainID
		}
		entry.Connectors = append(entry.Connectors, c)
	}
	return entry, nil
}

func (r bridgeRecord) toRoute(fromChain uint64, index int) (model.BridgeRoute, error) {
	name := r.ID
	if name == "" {
		name = "bridge-" + strconv.Itoa(index)
	}
	bridge, err := parseAddress("bridge", r.Bridge)
	if err != nil {
		return model.BridgeRoute{}, &model.ConfigError{Entry: entryName(fromChain, name), Reason: err.Error()}
	}
	return model.BridgeRoute{
		ID:        name,
		FromChain: fromChain,
		ToChain:   r.ToChain,
		Bridge:    bridge,
		Token:     r.Token,
		DestToken: r.DestToken,
		FeeBps:    r.FeeBps,
	}, nil
}

func validateEntry(e model.ZapEntry) error {
	if e.ID == "" {
		return fmt.Errorf("missing id")
	}
	if e.ChainID == 0 {
		return fmt.Errorf("missing chain id")
	}
	if e.ZapAddress == (common.Address{}) {
		return fmt.Errorf("missing zapAddress")
	}
	if e.Router == (common.Address{}) {
		return fmt.Errorf("missing ammRouter")
	}
	if e.Factory == (common.Address{}) {
		return fmt.Errorf("missing ammFactory")
	}
	if e.PairInitHash == (common.Hash{}) {
		return fmt.Errorf("missing ammPairInitHash")
	}
	if err := amm.CheckFee(e.LPProviderFee); err != nil {
		return fmt.Errorf("lpProviderFee: %w", err)
	}
	switch e.Kind {
	case model.AmmConstantProduct, model.AmmStable:
	default:
		return fmt.Errorf("unknown ammKind %q", e.Kind)
	}
	switch e.WithdrawEstimateMode {
	case model.EstimateGetAmountOut, model.EstimateGetAmountsOut:
	case model.EstimateGetAmountOutWithFee:
		if e.WithdrawEstimateFee == nil {
			return fmt.Errorf("withdrawEstimateFee required for %s", e.WithdrawEstimateMode)
		}
	default:
		return fmt.Errorf("unknown withdrawEstimateMode %q", e.WithdrawEstimateMode)
	}
	if e.WithdrawEstimateFee != nil {
		if err := amm.CheckFee(e.WithdrawEstimateFee); err != nil {
			return fmt.Errorf("withdrawEstimateFee: %w", err)
		}
	}
	for i, c := range e.Connectors {
		if c.ChainID != e.ChainID {
			return fmt.Errorf("connectors[%d] is on chain %d", i, c.ChainID)
		}
		if c.Address == (common.Address{}) {
			return fmt.Errorf("connectors[%d] has no address", i)
		}
	}
	return nil
}

func validateRoute(r model.BridgeRoute) error {
	if r.FromChain == r.ToChain {
		return fmt.Errorf("bridge route must change chain")
	}
	if r.FeeBps >= model.MaxBps {
		return fmt.Errorf("fee %d bps out of range", r.FeeBps)
	}
	if r.Token.ChainID != r.FromChain || r.DestToken.ChainID != r.ToChain {
		return fmt.Errorf("token chains do not match route chains")
	}
	if r.Token.Address == (common.Address{}) || r.DestToken.Address == (common.Address{}) {
		return fmt.Errorf("missing token address")
	}
	return nil
}

func (s *ZapStore) validateVault(v model.Vault) error {
	if v.ID == "" {
		return fmt.Errorf("missing id")
	}
	if v.Address == (common.Address{}) {
		return fmt.Errorf("missing address")
	}
	if v.Want.Address == (common.Address{}) || v.Want.ChainID != v.ChainID {
		return fmt.Errorf("want token must be set on the vault chain")
	}
	switch v.StrategyTypeID {
	case model.StrategySingle, model.StrategyBridge:
	case model.StrategyLP:
		if _, ok := s.Entry(v.ChainID, v.AmmID); !ok {
			return fmt.Errorf("unknown amm %q on chain %d", v.AmmID, v.ChainID)
		}
		for _, t := range v.LPTokens {
			if t.Address == (common.Address{}) || t.ChainID != v.ChainID {
				return fmt.Errorf("lp tokens must be set on the vault chain")
			}
		}
		if v.LPTokens[0].Equal(v.LPTokens[1]) {
			return fmt.Errorf("lp tokens must differ")
		}
	case model.StrategyLending:
		if v.LendingPool == (common.Address{}) {
			return fmt.Errorf("missing lending pool")
		}
		if v.ReceiptToken.Address == (common.Address{}) {
			return fmt.Errorf("missing receipt token")
		}
	default:
		return fmt.Errorf("unknown strategy type %q", v.StrategyTypeID)
	}
	return nil
}

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, fmt.Errorf("missing %s", field)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s %q is not a hex address", field, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s is the zero address", field)
	}
	return addr, nil
}

func parseHash(field, s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Hash{}, fmt.Errorf("missing %s", field)
	}
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("%s must be 32 bytes", field)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s is not hex", field)
	}
	return common.BytesToHash(b), nil
}

func entryName(chainID uint64, id string) string {
	return fmt.Sprintf("%d/%s", chainID, id)
}
