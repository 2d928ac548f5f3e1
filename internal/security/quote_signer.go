// Package security signs quotes handed to clients so that only untampered quotes produced
// by this engine are ever executed.
package security

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/zap-quote-engine/internal/model"
)

var (
	// ErrUnsigned is returned when a signature is required but absent
	ErrUnsigned = errors.New("quote is not signed")
	// ErrBadSignature covers tampered quotes and foreign signers
	ErrBadSignature = errors.New("quote signature invalid")
	// ErrSignatureExpired is returned after ValidUntil
	ErrSignatureExpired = errors.New("quote signature expired")
)

const commitmentVersion = "zap-quote-v2"

// SignerOptions configures the behaviour of a QuoteSigner
type SignerOptions struct {
	// Validity is how long a signature is accepted, at most the quote's own deadline
	Validity time.Duration
	// Required makes Verify reject unsigned quotes
	Required bool

	Now func() time.Time
}

// Signature is attached to a quote returned to a client
type Signature struct {
	Signer     common.Address `json:"signer"`
	Value      hexutil.Bytes  `json:"signature"`
	Digest     common.Hash    `json:"digest"`
	SignedAt   int64          `json:"signed_at"`
	ValidUntil int64          `json:"valid_until"`
	Algorithm  string         `json:"algorithm"`
}

// SignedQuote is the wire form of a quote handed out by the HTTP API
type SignedQuote struct {
	Quote     *model.Quote `json:"quote"`
	Signature *Signature   `json:"signature,omitempty"`
}

// QuoteSigner signs and verifies quote commitments with a secp256k1 key
type QuoteSigner struct {
	key  *ecdsa.PrivateKey
	opts SignerOptions
}

// NewQuoteSigner loads keyHex, or generates an ephemeral key when it is empty. Quotes signed
// by an ephemeral key do not survive a restart.
func NewQuoteSigner(keyHex string, opts SignerOptions) (*QuoteSigner, error) {
	if opts.Validity <= 0 {
		opts.Validity = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var (
		key *ecdsa.PrivateKey
		err error
	)
	if trimmed := strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"); trimmed != "" {
		key, err = crypto.HexToECDSA(trimmed)
	} else {
		key, err = crypto.GenerateKey()
		if err == nil {
			logrus.Warn("No quote signing key configured, using an ephemeral key")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("quote signing key: %w", err)
	}

	s := &QuoteSigner{key: key, opts: opts}
	logrus.Infof("Quote signer initialised for %s", s.Address().Hex())
	return s, nil
}

// Address identifies the signer
func (s *QuoteSigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Sign commits to the executable content of q
func (s *QuoteSigner) Sign(q *model.Quote) (*SignedQuote, error) {
	if q == nil {
		return nil, errors.New("nil quote")
	}
	now := s.opts.Now()
	validUntil := now.Add(s.opts.Validity)
	if q.Deadline.Before(validUntil) {
		validUntil = q.Deadline
	}

	digest := Commitment(q, validUntil.Unix())
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign quote %s: %w", q.ID, err)
	}
	return &SignedQuote{
		Quote: q,
		Signature: &Signature{
			Signer:     s.Address(),
			Value:      sig,
			Digest:     digest,
			SignedAt:   now.Unix(),
			ValidUntil: validUntil.Unix(),
			Algorithm:  "secp256k1-keccak256",
		},
	}, nil
}

// Verify checks that sq was signed by this signer, is unexpired and has not been modified
func (s *QuoteSigner) Verify(sq *SignedQuote) error {
	if sq == nil || sq.Quote == nil {
		return errors.New("nil quote")
	}
	if sq.Signature == nil {
		if s.opts.Required {
			return fmt.Errorf("quote %s: %w", sq.Quote.ID, ErrUnsigned)
		}
		return nil
	}

	sig := sq.Signature
	if s.opts.Now().Unix() > sig.ValidUntil {
		return fmt.Errorf("quote %s at %s: %w", sq.Quote.ID, time.Unix(sig.ValidUntil, 0).UTC().Format(time.RFC3339), ErrSignatureExpired)
	}
	if len(sig.Value) != crypto.SignatureLength {
		return fmt.Errorf("quote %s: signature length %d: %w", sq.Quote.ID, len(sig.Value), ErrBadSignature)
	}

	digest := Commitment(sq.Quote, sig.ValidUntil)
	pub, err := crypto.SigToPub(digest.Bytes(), sig.Value)
	if err != nil {
		return fmt.Errorf("quote %s: %v: %w", sq.Quote.ID, err, ErrBadSignature)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != s.Address() {
		return fmt.Errorf("quote %s: signed by %s: %w", sq.Quote.ID, signer.Hex(), ErrBadSignature)
	}
	return nil
}

// Commitment hashes every quote field execution depends on, including the route and
// approvals the steps are rebuilt from and each step's target and calldata.
func Commitment(q *model.Quote, validUntil int64) common.Hash {
	var buf bytes.Buffer
	str := func(v string) {
		u64(&buf, uint64(len(v)))
		buf.WriteString(v)
	}
	flag := func(v bool) {
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}

	str(commitmentVersion)
	str(q.ID)
	str(q.StrategyID)
	str(string(q.Request.Direction))
	str(q.Request.VaultID)
	buf.Write(q.Request.Wallet.Bytes())
	u64(&buf, q.Vault.ChainID)
	buf.Write(q.Vault.Address.Bytes())
	token(&buf, q.Request.InputToken)
	token(&buf, q.Request.OutputToken)
	amount(&buf, q.Request.InputAmount)
	u64(&buf, q.Request.MaxSlippageBps)
	amount(&buf, q.OutputAmount)
	amount(&buf, q.MinOutputAmount)
	amount(&buf, q.Position)
	u64(&buf, q.FetchedAtBlock)
	u64(&buf, uint64(q.FetchedAt.Unix()))
	u64(&buf, uint64(q.Deadline.Unix()))
	u64(&buf, uint64(validUntil))

	u64(&buf, uint64(len(q.Route)))
	for _, hop := range q.Route {
		str(hop.AmmID)
		buf.Write(hop.Pair.Bytes())
		flag(hop.Stable)
		token(&buf, hop.TokenIn)
		token(&buf, hop.TokenOut)
		amount(&buf, hop.AmountIn)
		amount(&buf, hop.ExpectedAmountOut)
		amount(&buf, hop.MinAmountOut)
	}

	u64(&buf, uint64(len(q.Approvals)))
	for _, a := range q.Approvals {
		token(&buf, a.Token)
		buf.Write(a.Spender.Bytes())
		amount(&buf, a.Amount)
		flag(a.Sufficient)
	}

	u64(&buf, uint64(len(q.Legs)))
	for _, leg := range q.Legs {
		token(&buf, leg.Token)
		amount(&buf, leg.Amount)
		amount(&buf, leg.Min)
	}

	flag(q.Bridge != nil)
	if b := q.Bridge; b != nil {
		str(b.ID)
		u64(&buf, b.FromChain)
		u64(&buf, b.ToChain)
		buf.Write(b.Bridge.Bytes())
		token(&buf, b.Token)
		token(&buf, b.DestToken)
		u64(&buf, b.FeeBps)
	}

	u64(&buf, uint64(len(q.Steps)))
	for _, step := range q.Steps {
		u64(&buf, uint64(step.Index))
		str(string(step.Kind))
		u64(&buf, step.ChainID)
		buf.Write(step.Target.Bytes())
		token(&buf, step.Token)
		amount(&buf, step.Amount)
		amount(&buf, step.MinAmountOut)
		buf.Write(crypto.Keccak256(step.Data))
	}

	return crypto.Keccak256Hash(buf.Bytes())
}

func token(buf *bytes.Buffer, t model.Token) {
	u64(buf, t.ChainID)
	buf.Write(t.Address.Bytes())
	buf.WriteByte(t.Decimals)
}

func u64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func amount(buf *bytes.Buffer, v *uint256.Int) {
	if v == nil {
		v = new(uint256.Int)
	}
	b := v.Bytes32()
	buf.Write(b[:])
}
