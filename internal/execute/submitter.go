package execute

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/zap-quote-engine/internal/model"
)

var (
	// ErrReverted means the step was mined but failed. It is never retried.
	ErrReverted = errors.New("transaction reverted")
	// ErrConfirmationTimeout means no receipt arrived in time. The executor retries it.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	// ErrFundsNotArrived is returned when bridged tokens do not reach the destination wallet in time
	ErrFundsNotArrived = errors.New("bridged funds did not arrive")
)

// Receipt statuses, matching the EVM receipt status field
const (
	ReceiptFailed  uint64 = 0
	ReceiptSuccess uint64 = 1
)

// TxHandle identifies a broadcast step
type TxHandle struct {
	Hash    common.Hash
	ChainID uint64
}

// Receipt is the mined result of a step
type Receipt struct {
	Hash        common.Hash
	BlockNumber uint64
	Status      uint64
	GasUsed     uint64
}

// Submitter signs and broadcasts steps on behalf of a wallet.
//
// Submit returns an error matching model.ErrWalletRejected when the wallet declines to sign.
// AwaitConfirmation returns ErrConfirmationTimeout (or ctx's deadline error) when no
// receipt arrives before ctx expires, and a Receipt with ReceiptFailed status on revert.
type Submitter interface {
	Submit(ctx context.Context, wallet common.Address, step model.Step) (TxHandle, error)
	AwaitConfirmation(ctx context.Context, handle TxHandle) (*Receipt, error)
}

// TxBackend is the subset of ethclient.Client needed to send a transaction
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EVMSubmitter signs steps with a single hot key. It only ever signs for the key's own
// address; requests for any other wallet are rejected.
type EVMSubmitter struct {
	key          *ecdsa.PrivateKey
	from         common.Address
	backends     map[uint64]TxBackend
	pollInterval time.Duration

	// nonces are serialised per chain so consecutive steps never race
	mutex sync.Mutex
}

// NewEVMSubmitter creates a submitter from a hex private key
func NewEVMSubmitter(keyHex string, backends map[uint64]TxBackend) (*EVMSubmitter, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("executor key: %w", err)
	}
	return &EVMSubmitter{
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		backends:     backends,
		pollInterval: 2 * time.Second,
	}, nil
}

// DialEVMSubmitter connects one backend per endpoint
func DialEVMSubmitter(ctx context.Context, keyHex string, endpoints map[uint64]string) (*EVMSubmitter, error) {
	backends := make(map[uint64]TxBackend, len(endpoints))
	for chainID, url := range endpoints {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
		}
		backends[chainID] = client
	}
	return NewEVMSubmitter(keyHex, backends)
}

// WithPollInterval sets how often receipts are polled
func (s *EVMSubmitter) WithPollInterval(d time.Duration) *EVMSubmitter {
	s.pollInterval = d
	return s
}

// Address is the wallet this submitter signs for
func (s *EVMSubmitter) Address() common.Address {
	return s.from
}

// Submit signs step as a legacy transaction and broadcasts it
func (s *EVMSubmitter) Submit(ctx context.Context, wallet common.Address, step model.Step) (TxHandle, error) {
	if wallet != s.from {
		return TxHandle{}, fmt.Errorf("%w: executor signs for %s, not %s", model.ErrWalletRejected, s.from.Hex(), wallet.Hex())
	}
	backend, ok := s.backends[step.ChainID]
	if !ok {
		return TxHandle{}, fmt.Errorf("no backend for chain %d", step.ChainID)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	nonce, err := backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return TxHandle{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return TxHandle{}, fmt.Errorf("gas price: %w", err)
	}
	target := step.Target
	gas, err := backend.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &target, Data: step.Data})
	if err != nil {
		return TxHandle{}, fmt.Errorf("estimate gas for %s: %w", step.Kind, err)
	}
	// 20% headroom over the estimate
	gas += gas / 5

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &target,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     step.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(step.ChainID)), s.key)
	if err != nil {
		return TxHandle{}, fmt.Errorf("sign %s: %w", step.Kind, err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return TxHandle{}, fmt.Errorf("send %s: %w", step.Kind, err)
	}

	logrus.WithFields(logrus.Fields{
		"chain": step.ChainID,
		"step":  step.Index,
		"kind":  step.Kind,
		"tx":    signed.Hash().Hex(),
		"nonce": nonce,
	}).Info("Step broadcast")
	return TxHandle{Hash: signed.Hash(), ChainID: step.ChainID}, nil
}

// AwaitConfirmation polls for the receipt until it appears or ctx expires
func (s *EVMSubmitter) AwaitConfirmation(ctx context.Context, handle TxHandle) (*Receipt, error) {
	backend, ok := s.backends[handle.ChainID]
	if !ok {
		return nil, fmt.Errorf("no backend for chain %d", handle.ChainID)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := backend.TransactionReceipt(ctx, handle.Hash)
		switch {
		case err == nil:
			return &Receipt{
				Hash:        receipt.TxHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				Status:      receipt.Status,
				GasUsed:     receipt.GasUsed,
			}, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			// transient RPC failures are polled through
			logrus.WithField("tx", handle.Hash.Hex()).WithError(err).Debug("Receipt poll failed")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrConfirmationTimeout, handle.Hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
