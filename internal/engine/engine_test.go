package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/zap-quote-engine/internal/aggregate"
	"github.com/yourorg/zap-quote-engine/internal/config"
	"github.com/yourorg/zap-quote-engine/internal/contracts"
	"github.com/yourorg/zap-quote-engine/internal/execute"
	"github.com/yourorg/zap-quote-engine/internal/fetch/fetchtest"
	"github.com/yourorg/zap-quote-engine/internal/model"
	"github.com/yourorg/zap-quote-engine/internal/security"
	"github.com/yourorg/zap-quote-engine/internal/strategy"
)

const bsc = 56

var (
	now    = time.Unix(1_700_000_000, 0)
	wallet = common.HexToAddress("0x9999999999999999999999999999999999999999")

	wbnb = model.Token{ChainID: bsc, Address: common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"), Decimals: 18, Symbol: "WBNB"}
	busd = model.Token{ChainID: bsc, Address: common.HexToAddress("0xe9e7CEA3DedcA5984780Bafc599bD69ADd087D56"), Decimals: 18, Symbol: "BUSD"}
	cake = model.Token{ChainID: bsc, Address: common.HexToAddress("0x0E09FaBB73Bd3Ade0a17ECC321fD13a19e81cE82"), Decimals: 18, Symbol: "CAKE"}

	pancake = model.ZapEntry{
		ID:                   "pancakeswap",
		ChainID:              bsc,
		ZapAddress:           common.HexToAddress("0xD4c4a7C55c9f7B3c48bafb6E8643Ba79F42418dF"),
		Router:               common.HexToAddress("0x10ED43C718714eb63d5aA57B78B54704E256024E"),
		Factory:              common.HexToAddress("0xcA143Ce32Fe78f1f7019d7d551a6402fC5350c73"),
		PairInitHash:         common.HexToHash("0x00fb7f630766e6a796048ea87d01acd3068e8ff67d078148a3fa3f4a84f69bd5"),
		LPProviderFee:        uint256.NewInt(2_500_000_000_000_000),
		Kind:                 model.AmmConstantProduct,
		WithdrawEstimateMode: model.EstimateGetAmountOut,
	}

	cakeVault = model.Vault{
		ID:             "cake-pool",
		ChainID:        bsc,
		Address:        common.HexToAddress("0x97e5d50Fe0632A95b9705b2D17B9F6b4C91ed77c"),
		StrategyTypeID: model.StrategySingle,
		Want:           cake,
	}
)

func e18(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

// recordingSubmitter confirms every step and keeps what it was asked to sign
type recordingSubmitter struct {
	mutex sync.Mutex
	steps []model.Step
	gate  chan struct{}
}

func (r *recordingSubmitter) Submit(_ context.Context, _ common.Address, step model.Step) (execute.TxHandle, error) {
	if r.gate != nil {
		<-r.gate
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.steps = append(r.steps, step)
	return execute.TxHandle{Hash: common.BytesToHash([]byte{byte(len(r.steps))}), ChainID: step.ChainID}, nil
}

func (r *recordingSubmitter) AwaitConfirmation(_ context.Context, h execute.TxHandle) (*execute.Receipt, error) {
	return &execute.Receipt{Hash: h.Hash, BlockNumber: 1_001, Status: execute.ReceiptSuccess}, nil
}

// countingSink counts events passing through
type countingSink struct {
	mutex sync.Mutex
	seen  int
}

func (s *countingSink) Tee(in <-chan execute.Event) <-chan execute.Event {
	out := make(chan execute.Event)
	go func() {
		defer close(out)
		for ev := range in {
			s.mutex.Lock()
			s.seen++
			s.mutex.Unlock()
			out <- ev
		}
	}()
	return out
}

type fixture struct {
	engine    *Engine
	submitter *recordingSubmitter
	sink      *countingSink
}

func newFixture(t *testing.T, signed bool) fixture {
	t.Helper()
	store, err := config.NewZapStore([]model.ZapEntry{pancake}, []model.Vault{cakeVault}, nil)
	require.NoError(t, err)

	chain := fetchtest.New()
	chain.SetBlock(bsc, 1_000)
	chain.SetPair(contracts.PairFor(pancake, wbnb.Address, cake.Address, false), wbnb.Address, e18(1_000), e18(100_000), e18(10_000))
	chain.SetVault(cakeVault.Address, e18(2_000), e18(1_000))

	clock := func() time.Time { return now }
	registry, err := strategy.Build(store, strategy.Env{Reader: chain, TxDeadline: 10 * time.Minute, Now: clock})
	require.NoError(t, err)

	sub := &recordingSubmitter{}
	sink := &countingSink{}
	opts := Options{
		Vaults:     store,
		Strategies: registry,
		Quoter:     aggregate.New(registry, aggregate.Options{StrategyTimeout: time.Second}),
		Runner: execute.New(execute.Config{
			Blocks:    chain,
			Pricer:    strategy.HopPricer{Entries: store, Reader: chain},
			Submitter: sub,
			Staleness: model.StalenessWindow{Blocks: 20, Duration: time.Minute},
			Now:       clock,
		}),
		Sink: sink,
	}
	if signed {
		signer, err := security.NewQuoteSigner("", security.SignerOptions{Required: true, Now: clock})
		require.NoError(t, err)
		opts.Signer = signer
	}
	return fixture{engine: New(opts), submitter: sub, sink: sink}
}

func deposit(in model.Token, amount *uint256.Int) model.QuoteRequest {
	return model.QuoteRequest{
		VaultID:        cakeVault.ID,
		Wallet:         wallet,
		InputToken:     in,
		OutputToken:    cakeVault.Shares(),
		InputAmount:    amount,
		Direction:      model.DirectionDeposit,
		MaxSlippageBps: 50,
	}
}

func drain(t *testing.T, events <-chan execute.Event) []execute.Event {
	t.Helper()
	var out []execute.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("execution did not finish")
		}
	}
}

func TestGetQuote(t *testing.T) {
	f := newFixture(t, false)

	q, err := f.engine.GetQuote(context.Background(), deposit(wbnb, e18(1)))
	require.NoError(t, err)
	assert.Equal(t, "single-asset-zap/pancakeswap@56", q.StrategyID)
	assert.Equal(t, cakeVault.Address, q.Vault.Address)
	assert.False(t, q.MinOutputAmount.IsZero())
	assert.Equal(t, uint64(1_000), q.FetchedAtBlock)
}

func TestGetQuoteErrors(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		name   string
		req    model.QuoteRequest
		target error
	}{
		{name: "zero amount", req: deposit(wbnb, new(uint256.Int)), target: ErrInvalidRequest},
		{
			name: "unknown vault",
			req: func() model.QuoteRequest {
				r := deposit(wbnb, e18(1))
				r.VaultID = "missing"
				return r
			}(),
			target: ErrUnknownVault,
		},
		{name: "no pool for the input", req: deposit(busd, e18(1)), target: model.ErrNoRoute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.GetQuote(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestExecuteSignedQuote(t *testing.T) {
	f := newFixture(t, true)

	signed, err := f.engine.GetSignedQuote(context.Background(), deposit(wbnb, e18(1)))
	require.NoError(t, err)
	require.NotNil(t, signed.Signature)

	raw, err := json.Marshal(signed)
	require.NoError(t, err)
	var decoded security.SignedQuote
	require.NoError(t, json.Unmarshal(raw, &decoded))

	events, err := f.engine.ExecuteSigned(context.Background(), &decoded)
	require.NoError(t, err)
	got := drain(t, events)

	assert.Equal(t, execute.StatusDone, got[len(got)-1].Status)
	assert.Equal(t, len(got), f.sink.seen)
	require.Len(t, f.submitter.steps, len(signed.Quote.Steps))
	for i, step := range f.submitter.steps {
		assert.Equal(t, signed.Quote.Steps[i].Data, step.Data)
	}
}

// viaJSON copies a quote the way a client would hand it back
func viaJSON(t *testing.T, v, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestExecuteRejectsTamperedSignedQuote(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(q *model.Quote)
	}{
		{name: "lowered minimum output", mutate: func(q *model.Quote) { q.MinOutputAmount = uint256.NewInt(1) }},
		{name: "hop output token", mutate: func(q *model.Quote) { q.Route[0].TokenOut = busd }},
		{name: "hop pool kind", mutate: func(q *model.Quote) { q.Route[0].Stable = true }},
		{name: "unlimited approval", mutate: func(q *model.Quote) { q.Approvals[0].Amount = new(uint256.Int).SetAllOne() }},
		{name: "approval marked sufficient", mutate: func(q *model.Quote) { q.Approvals[0].Sufficient = true }},
		{name: "deposit position", mutate: func(q *model.Quote) { q.Position = new(uint256.Int).Mul(q.Position, uint256.NewInt(2)) }},
		{name: "bridge attached", mutate: func(q *model.Quote) { q.Bridge = &model.BridgeRoute{ID: "stargate", FromChain: bsc, ToChain: 137} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			signed, err := f.engine.GetSignedQuote(context.Background(), deposit(wbnb, e18(1)))
			require.NoError(t, err)
			require.NotEmpty(t, signed.Quote.Approvals)
			require.False(t, signed.Quote.Approvals[0].Sufficient)

			var tampered security.SignedQuote
			viaJSON(t, signed, &tampered)
			tt.mutate(tampered.Quote)

			_, err = f.engine.ExecuteSigned(context.Background(), &tampered)
			assert.ErrorIs(t, err, security.ErrBadSignature)
			assert.Empty(t, f.submitter.steps)
		})
	}
}

func TestExecuteRejectsStepsItDidNotBuild(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(q *model.Quote)
	}{
		{name: "calldata", mutate: func(q *model.Quote) { q.Steps[1].Data = []byte{0xde, 0xad} }},
		{name: "hop output token", mutate: func(q *model.Quote) { q.Route[0].TokenOut = busd }},
		{name: "unlimited approval", mutate: func(q *model.Quote) { q.Approvals[0].Amount = new(uint256.Int).SetAllOne() }},
		{name: "dropped step", mutate: func(q *model.Quote) { q.Steps = q.Steps[:len(q.Steps)-1] }},
		{name: "extra step", mutate: func(q *model.Quote) { q.Steps = append(q.Steps, q.Steps[len(q.Steps)-1]) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			q, err := f.engine.GetQuote(context.Background(), deposit(wbnb, e18(1)))
			require.NoError(t, err)

			var tampered model.Quote
			viaJSON(t, q, &tampered)
			tt.mutate(&tampered)

			_, err = f.engine.ExecuteQuote(context.Background(), &tampered)
			assert.ErrorIs(t, err, model.ErrQuoteChanged)
			assert.Empty(t, f.submitter.steps)
		})
	}
}

func TestExecuteAcceptsRoundTrippedQuote(t *testing.T) {
	f := newFixture(t, false)
	q, err := f.engine.GetQuote(context.Background(), deposit(wbnb, e18(1)))
	require.NoError(t, err)

	var decoded model.Quote
	viaJSON(t, q, &decoded)
	events, err := f.engine.ExecuteQuote(context.Background(), &decoded)
	require.NoError(t, err)
	got := drain(t, events)

	assert.Equal(t, execute.StatusDone, got[len(got)-1].Status)
	require.Len(t, f.submitter.steps, len(q.Steps))
	for i, step := range f.submitter.steps {
		assert.Equal(t, q.Steps[i].Data, step.Data)
	}
}

func TestExecuteQuoteErrors(t *testing.T) {
	f := newFixture(t, false)
	q, err := f.engine.GetQuote(context.Background(), deposit(wbnb, e18(1)))
	require.NoError(t, err)

	t.Run("vault swapped", func(t *testing.T) {
		moved := *q
		moved.Vault.Address = common.HexToAddress("0xbad")
		_, err := f.engine.ExecuteQuote(context.Background(), &moved)
		assert.ErrorIs(t, err, model.ErrQuoteChanged)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		foreign := *q
		foreign.StrategyID = "somewhere-else"
		_, err := f.engine.ExecuteQuote(context.Background(), &foreign)
		assert.ErrorIs(t, err, ErrUnknownStrategy)
	})

	t.Run("wallet already executing", func(t *testing.T) {
		f.submitter.gate = make(chan struct{})
		first, err := f.engine.ExecuteQuote(context.Background(), q)
		require.NoError(t, err)
		_, err = f.engine.ExecuteQuote(context.Background(), q)
		assert.ErrorIs(t, err, execute.ErrSessionBusy)

		close(f.submitter.gate)
		got := drain(t, first)
		assert.Equal(t, execute.StatusDone, got[len(got)-1].Status)
	})
}
