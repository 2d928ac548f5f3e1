package fetch

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/zap-quote-engine/internal/contracts"
	"github.com/yourorg/zap-quote-engine/internal/metrics"
	"github.com/yourorg/zap-quote-engine/internal/model"
	"github.com/yourorg/zap-quote-engine/internal/types"
)

// ContractCaller is the subset of ethclient.Client used by the reader
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ReaderOptions tunes an EVMReader
type ReaderOptions struct {
	RateLimit float64       // requests per second, 0 disables limiting
	Burst     int           // limiter burst
	CacheTTL  time.Duration // reserve snapshot lifetime, 0 disables caching
	Metrics   *metrics.Metrics
}

type cachedPair struct {
	state     PairState
	fetchedAt time.Time
}

// EVMReader answers ChainReader queries for one chain over JSON-RPC.
// Pair snapshots are cached for CacheTTL so strategies quoting the same pool in parallel
// share one read.
type EVMReader struct {
	chainID uint64
	name    string
	client  ContractCaller
	limiter *rate.Limiter
	metrics *metrics.Metrics

	mutex    sync.RWMutex
	cacheTTL time.Duration
	pairs    map[common.Address]cachedPair
	token0   map[common.Address]common.Address
}

// DialEVMReader connects to an endpoint through a retrying HTTP transport
func DialEVMReader(ctx context.Context, chainID uint64, endpoint string, opts ReaderOptions) (*EVMReader, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required for chain %d", chainID)
	}
	rpcClient, err := rpc.DialOptions(ctx, trimmed, rpc.WithHTTPClient(StandardClient(newRetryClient())))
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
	}
	return NewEVMReader(chainID, ethclient.NewClient(rpcClient), opts), nil
}

// NewEVMReader wraps an existing caller
func NewEVMReader(chainID uint64, client ContractCaller, opts ReaderOptions) *EVMReader {
	r := &EVMReader{
		chainID:  chainID,
		name:     types.SupportedChain(chainID).String(),
		client:   client,
		metrics:  opts.Metrics,
		cacheTTL: opts.CacheTTL,
		pairs:    make(map[common.Address]cachedPair),
		token0:   make(map[common.Address]common.Address),
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return r
}

// ChainID returns the chain this reader serves
func (r *EVMReader) ChainID() uint64 {
	return r.chainID
}

// BlockNumber returns the current head
func (r *EVMReader) BlockNumber(ctx context.Context, chainID uint64) (uint64, error) {
	if err := r.checkChain(chainID); err != nil {
		return 0, err
	}
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	block, err := r.client.BlockNumber(ctx)
	r.metrics.RPCCall(r.name, "eth_blockNumber", err)
	if err != nil {
		return 0, fmt.Errorf("block number on %s: %w", r.name, err)
	}
	return block, nil
}

// BalanceOf returns the ERC-20 balance of owner
func (r *EVMReader) BalanceOf(ctx context.Context, token model.Token, owner common.Address) (*uint256.Int, error) {
	if err := r.checkChain(token.ChainID); err != nil {
		return nil, err
	}
	data, err := contracts.BalanceOfCall(owner)
	if err != nil {
		return nil, err
	}
	out, err := r.call(ctx, token.Address, data, nil, "balanceOf")
	if err != nil {
		return nil, err
	}
	return contracts.UnpackUint256(contracts.ERC20, "balanceOf", out)
}

// Allowance returns ERC20.allowance(owner, spender)
func (r *EVMReader) Allowance(ctx context.Context, token model.Token, owner, spender common.Address) (*uint256.Int, error) {
	if err := r.checkChain(token.ChainID); err != nil {
		return nil, err
	}
	data, err := contracts.AllowanceCall(owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := r.call(ctx, token.Address, data, nil, "allowance")
	if err != nil {
		return nil, err
	}
	return contracts.UnpackUint256(contracts.ERC20, "allowance", out)
}

type uncachedKey struct{}

// Uncached marks ctx so pair reads skip the reserve cache. The fresh snapshot still
// replaces the cached one.
func Uncached(ctx context.Context) context.Context {
	return context.WithValue(ctx, uncachedKey{}, true)
}

// IsUncached reports whether ctx was marked by Uncached
func IsUncached(ctx context.Context) bool {
	v, _ := ctx.Value(uncachedKey{}).(bool)
	return v
}

// PairReserves reads reserves and LP supply pinned to a single block
func (r *EVMReader) PairReserves(ctx context.Context, chainID uint64, pair common.Address) (PairState, error) {
	if err := r.checkChain(chainID); err != nil {
		return PairState{}, err
	}

	if r.cacheTTL > 0 && !IsUncached(ctx) {
		r.mutex.RLock()
		cached, ok := r.pairs[pair]
		r.mutex.RUnlock()
		if ok && time.Since(cached.fetchedAt) < r.cacheTTL {
			r.metrics.ReserveCache(true)
			return cached.state, nil
		}
		r.metrics.ReserveCache(false)
	}

	block, err := r.BlockNumber(ctx, chainID)
	if err != nil {
		return PairState{}, err
	}
	at := new(big.Int).SetUint64(block)

	token0, err := r.pairToken0(ctx, pair, at)
	if err != nil {
		return PairState{}, err
	}

	data, err := contracts.GetReservesCall()
	if err != nil {
		return PairState{}, err
	}
	out, err := r.call(ctx, pair, data, at, "getReserves")
	if err != nil {
		return PairState{}, err
	}
	r0, r1, err := contracts.UnpackReserves(out)
	if err != nil {
		return PairState{}, err
	}

	supply, err := r.totalSupply(ctx, pair, at)
	if err != nil {
		return PairState{}, err
	}

	state := PairState{Token0: token0, Reserve0: r0, Reserve1: r1, TotalSupply: supply, Block: block}
	if r.cacheTTL > 0 {
		r.mutex.Lock()
		r.pairs[pair] = cachedPair{state: state, fetchedAt: time.Now()}
		r.mutex.Unlock()
	}
	return state, nil
}

// VaultState reads the vault's want balance and share supply
func (r *EVMReader) VaultState(ctx context.Context, vault model.Vault) (VaultState, error) {
	if err := r.checkChain(vault.ChainID); err != nil {
		return VaultState{}, err
	}
	block, err := r.BlockNumber(ctx, vault.ChainID)
	if err != nil {
		return VaultState{}, err
	}
	at := new(big.Int).SetUint64(block)

	data, err := contracts.VaultBalanceCall()
	if err != nil {
		return VaultState{}, err
	}
	out, err := r.call(ctx, vault.Address, data, at, "balance")
	if err != nil {
		return VaultState{}, err
	}
	balance, err := contracts.UnpackUint256(contracts.Vault, "balance", out)
	if err != nil {
		return VaultState{}, err
	}
	supply, err := r.totalSupply(ctx, vault.Address, at)
	if err != nil {
		return VaultState{}, err
	}
	return VaultState{Balance: balance, TotalSupply: supply, Block: block}, nil
}

func (r *EVMReader) pairToken0(ctx context.Context, pair common.Address, at *big.Int) (common.Address, error) {
	r.mutex.RLock()
	token0, ok := r.token0[pair]
	r.mutex.RUnlock()
	if ok {
		return token0, nil
	}

	data, err := contracts.Token0Call()
	if err != nil {
		return common.Address{}, err
	}
	out, err := r.call(ctx, pair, data, at, "token0")
	if err != nil {
		return common.Address{}, err
	}
	token0, err = contracts.UnpackAddress(contracts.Pair, "token0", out)
	if err != nil {
		return common.Address{}, err
	}

	// token0 never changes for a deployed pair
	r.mutex.Lock()
	r.token0[pair] = token0
	r.mutex.Unlock()
	return token0, nil
}

func (r *EVMReader) totalSupply(ctx context.Context, token common.Address, at *big.Int) (*uint256.Int, error) {
	data, err := contracts.TotalSupplyCall()
	if err != nil {
		return nil, err
	}
	out, err := r.call(ctx, token, data, at, "totalSupply")
	if err != nil {
		return nil, err
	}
	return contracts.UnpackUint256(contracts.ERC20, "totalSupply", out)
}

func (r *EVMReader) call(ctx context.Context, to common.Address, data []byte, at *big.Int, method string) ([]byte, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, at)
	r.metrics.RPCCall(r.name, method, err)
	if err != nil {
		return nil, fmt.Errorf("%s on %s at %s: %w", method, r.name, to.Hex(), err)
	}
	// calls to an address without code succeed with empty output
	if len(out) == 0 {
		logrus.WithFields(logrus.Fields{
			"chain":   r.name,
			"address": to.Hex(),
			"method":  method,
		}).Debug("Empty call result, no contract at address")
		return nil, fmt.Errorf("%s at %s: %w", method, to.Hex(), ErrNoContract)
	}
	return out, nil
}

func (r *EVMReader) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit on %s: %w", r.name, err)
	}
	return nil
}

func (r *EVMReader) checkChain(chainID uint64) error {
	if chainID != r.chainID {
		return fmt.Errorf("reader for chain %d asked about chain %d: %w", r.chainID, chainID, ErrChainNotConfigured)
	}
	return nil
}
