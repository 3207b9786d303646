// Package airgap moves disputes across the air gap to the offline arbiter.
//
// The arbiter's signing key never touches the server. A dispute leaves as
// a self-contained envelope carrying everything the arbiter needs to
// judge, including a fresh nonce; the decision comes back as a signed
// document which the server verifies against the arbiter's public key
// before applying it. Nonces are single-use, so a captured decision
// cannot be replayed onto a later dispute.
package airgap

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/tradeweave/escrowd/internal/escrow"
	"github.com/tradeweave/escrowd/internal/metrics"
	"github.com/tradeweave/escrowd/internal/traces"
)

var (
	ErrNotDisputed      = errors.New("airgap: escrow is not disputed")
	ErrInvalidDecision  = errors.New("airgap: decision must be buyer or vendor")
	ErrNonceUnknown     = errors.New("airgap: nonce does not match any exported dispute")
	ErrNonceReplayed    = errors.New("airgap: nonce already consumed by an earlier decision")
	ErrDecisionStale    = errors.New("airgap: decision timestamp out of the acceptance window")
	ErrSignatureInvalid = errors.New("airgap: decision signature verification failed")
	ErrBadKey           = errors.New("airgap: malformed arbiter key")
)

// Decision values.
const (
	DecisionBuyer  = "buyer"
	DecisionVendor = "vendor"
)

// Acceptance window for decision timestamps. A decision from the future
// beyond clock skew, or older than the dispute dwell, is rejected.
const (
	MaxClockSkew   = 5 * time.Minute
	MaxDecisionAge = 7 * 24 * time.Hour
)

// DisputeEnvelope is the document carried to the offline arbiter. It is
// self-contained: the arbiter machine has no network and no database.
type DisputeEnvelope struct {
	EscrowID        string                 `json:"escrowId"`
	BuyerID         string                 `json:"buyerId"`
	VendorID        string                 `json:"vendorId"`
	Amount          uint64                 `json:"amount"`
	BuyerClaim      string                 `json:"buyerClaim"`
	VendorResponse  string                 `json:"vendorResponse"`
	EvidenceCount   int                    `json:"evidenceCount"`
	Evidence        []escrow.EvidenceEntry `json:"evidence,omitempty"`
	DisputeOpenedAt *time.Time             `json:"disputeOpenedAt"`
	PartialTxHex    string                 `json:"partialTxHex,omitempty"`
	Nonce           string                 `json:"nonce"`
	ExportedAt      time.Time              `json:"exportedAt"`
}

// ArbiterDecision is the signed document brought back from the arbiter.
type ArbiterDecision struct {
	EscrowID          string    `json:"escrowId"`
	Nonce             string    `json:"nonce"`
	Decision          string    `json:"decision"`
	Reason            string    `json:"reason"`
	SignedTxHex       string    `json:"signedTxHex,omitempty"`
	DecisionSignature string    `json:"decisionSignature"`
	DecidedAt         time.Time `json:"decidedAt"`
}

// NonceRecord tracks one exported envelope's nonce for replay protection.
type NonceRecord struct {
	EscrowID   string
	Nonce      string
	ExportedAt time.Time
	UsedAt     *time.Time
}

// Store persists nonce records.
type Store interface {
	SaveNonce(ctx context.Context, rec *NonceRecord) error
	GetNonce(ctx context.Context, escrowID, nonce string) (*NonceRecord, error)
	MarkUsed(ctx context.Context, escrowID, nonce string, at time.Time) error
}

// Notifier publishes airgap events. A nil notifier is fine.
type Notifier interface {
	DisputeEvent(event string, escrowID string)
}

// Service exports envelopes and imports signed decisions.
type Service struct {
	store    Store
	escrows  *escrow.Service
	pubKey   ed25519.PublicKey
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an airgap service verifying against pubKey.
func NewService(store Store, escrows *escrow.Service, pubKey ed25519.PublicKey) *Service {
	return &Service{
		store:   store,
		escrows: escrows,
		pubKey:  pubKey,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithLogger sets a custom logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithNotifier adds an event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ExportDispute builds the envelope for a disputed escrow. partialTxHex
// optionally carries the partially signed transaction the arbiter should
// countersign. Each export mints a fresh nonce; earlier envelopes for the
// same escrow stay importable until one decision lands.
func (s *Service) ExportDispute(ctx context.Context, escrowID, partialTxHex string) (*DisputeEnvelope, error) {
	ctx, span := traces.StartSpan(ctx, "airgap.ExportDispute", traces.EscrowID(escrowID))
	defer span.End()

	esc, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.Status != escrow.StatusDisputed {
		return nil, ErrNotDisputed
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	nonceHex := hex.EncodeToString(nonce)
	now := s.now().UTC()

	if err := s.store.SaveNonce(ctx, &NonceRecord{
		EscrowID:   escrowID,
		Nonce:      nonceHex,
		ExportedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("save nonce: %w", err)
	}

	env := &DisputeEnvelope{
		EscrowID:        esc.ID,
		BuyerID:         esc.BuyerID,
		VendorID:        esc.VendorID,
		Amount:          esc.Amount,
		BuyerClaim:      esc.BuyerClaim,
		VendorResponse:  esc.VendorResponse,
		EvidenceCount:   len(esc.Evidence),
		Evidence:        esc.Evidence,
		DisputeOpenedAt: esc.DisputeOpenedAt,
		PartialTxHex:    partialTxHex,
		Nonce:           nonceHex,
		ExportedAt:      now,
	}

	metrics.DisputeEnvelopesTotal.Inc()
	s.logger.Info("exported dispute envelope", "escrowId", escrowID, "evidenceCount", env.EvidenceCount)
	s.notifyEvent("dispute_exported", escrowID)
	return env, nil
}

// ImportDecision verifies and applies a signed arbiter decision. The
// nonce is consumed on success; the escrow moves to refunding when the
// buyer prevails and releasing when the vendor does.
func (s *Service) ImportDecision(ctx context.Context, dec *ArbiterDecision) (*escrow.Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "airgap.ImportDecision", traces.EscrowID(dec.EscrowID))
	defer span.End()

	if dec.Decision != DecisionBuyer && dec.Decision != DecisionVendor {
		metrics.DecisionsImportedTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidDecision
	}

	rec, err := s.store.GetNonce(ctx, dec.EscrowID, dec.Nonce)
	if err != nil {
		metrics.DecisionsImportedTotal.WithLabelValues("nonce_unknown").Inc()
		return nil, ErrNonceUnknown
	}
	if rec.UsedAt != nil {
		metrics.DecisionsImportedTotal.WithLabelValues("replayed").Inc()
		return nil, ErrNonceReplayed
	}

	now := s.now().UTC()
	if dec.DecidedAt.After(now.Add(MaxClockSkew)) || dec.DecidedAt.Before(now.Add(-MaxDecisionAge)) {
		metrics.DecisionsImportedTotal.WithLabelValues("stale").Inc()
		return nil, ErrDecisionStale
	}

	sig, err := hex.DecodeString(dec.DecisionSignature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		metrics.DecisionsImportedTotal.WithLabelValues("bad_signature").Inc()
		return nil, ErrSignatureInvalid
	}
	msg := DecisionMessage(dec.EscrowID, dec.Nonce, dec.Decision, dec.SignedTxHex)
	if !ed25519.Verify(s.pubKey, msg, sig) {
		metrics.DecisionsImportedTotal.WithLabelValues("invalid_signature").Inc()
		return nil, ErrSignatureInvalid
	}

	// Apply first, consume after. If resolution fails the nonce stays
	// live and the decision can be imported again; a replay after success
	// is inert anyway because the escrow has left disputed.
	esc, err := s.escrows.Resolve(ctx, dec.EscrowID, dec.Decision == DecisionBuyer)
	if err != nil {
		metrics.DecisionsImportedTotal.WithLabelValues("escrow_error").Inc()
		return nil, err
	}

	if err := s.store.MarkUsed(ctx, dec.EscrowID, dec.Nonce, now); err != nil {
		s.logger.Warn("decision applied but nonce not marked used",
			"escrowId", dec.EscrowID, "error", err)
	}

	metrics.DecisionsImportedTotal.WithLabelValues("applied").Inc()
	s.logger.Info("applied arbiter decision",
		"escrowId", dec.EscrowID,
		"decision", dec.Decision,
		"decidedAt", dec.DecidedAt,
	)
	s.notifyEvent("decision_imported", dec.EscrowID)
	return esc, nil
}

func (s *Service) notifyEvent(event, escrowID string) {
	if s.notifier != nil {
		s.notifier.DisputeEvent(event, escrowID)
	}
}

// DecisionMessage builds the bytes the arbiter signs:
// BLAKE2b-512(escrow_id || nonce || decision || signed_tx_hex).
func DecisionMessage(escrowID, nonce, decision, signedTxHex string) []byte {
	var buf bytes.Buffer
	buf.WriteString(escrowID)
	buf.WriteString(nonce)
	buf.WriteString(decision)
	buf.WriteString(signedTxHex)
	sum := blake2b.Sum512(buf.Bytes())
	return sum[:]
}

// SignDecision produces the hex signature for a decision. Used by the
// offline arbiter CLI; the server only ever verifies.
func SignDecision(priv ed25519.PrivateKey, dec *ArbiterDecision) string {
	msg := DecisionMessage(dec.EscrowID, dec.Nonce, dec.Decision, dec.SignedTxHex)
	return hex.EncodeToString(ed25519.Sign(priv, msg))
}

// GenerateKeypair mints a fresh arbiter keypair and returns the hex seed
// and hex public key. Used by the offline arbiter CLI.
func GenerateKeypair() (seedHex, pubHex string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(priv.Seed()), hex.EncodeToString(pub), nil
}

// ParsePrivateKey decodes a hex-encoded 32-byte ed25519 seed.
func ParsePrivateKey(hexSeed string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrBadKey)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: expected %d-byte seed, got %d", ErrBadKey, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
