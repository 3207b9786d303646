// Package challenge implements challenge–response proof of wallet possession.
//
// Before a participant's multisig submissions are trusted, they must prove
// they control the wallet behind their multisig info: the server issues a
// random nonce, the client signs a domain-separated hash of it with the
// wallet's ed25519 key, and the server verifies against the public key
// embedded in the multisig info blob. Challenges are strictly single-use:
// any verification attempt consumes the challenge, pass or fail.
package challenge

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/tradeweave/escrowd/internal/idgen"
	"github.com/tradeweave/escrowd/internal/metrics"
)

var (
	ErrChallengeNotFound     = errors.New("challenge: not found or already consumed")
	ErrChallengeExpired      = errors.New("challenge: expired")
	ErrMalformedMultisigInfo = errors.New("challenge: malformed multisig info")
	ErrBadSignature          = errors.New("challenge: signature is not valid hex")
	ErrSignatureInvalid      = errors.New("challenge: signature verification failed")
)

// TTL is how long an issued challenge stays valid.
const TTL = 5 * time.Minute

// challengeContext domain-separates challenge signatures from any other
// ed25519 use of the wallet key. Wire-compatible with existing clients.
const challengeContext = "MONERO_MARKETPLACE_MULTISIG_CHALLENGE"

// multisigInfoPrefix is the fixed prefix of a prepare_multisig blob.
const multisigInfoPrefix = "MultisigV1"

// Challenge is one issued possession challenge.
type Challenge struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	EscrowID  string    `json:"escrowId"`
	Nonce     []byte    `json:"-"`
	NonceHex  string    `json:"nonce"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store persists live challenges.
type Store interface {
	// Put stores a challenge, replacing any live challenge for the same
	// (user, escrow) pair.
	Put(ctx context.Context, ch *Challenge) error
	Get(ctx context.Context, id string) (*Challenge, error)
	// Consume atomically removes and returns a challenge. Under concurrent
	// calls for the same ID exactly one caller gets the challenge; the rest
	// get ErrChallengeNotFound.
	Consume(ctx context.Context, id string) (*Challenge, error)
	// DeleteExpired removes challenges that expired before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// Service issues and verifies possession challenges.
type Service struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a challenge service.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		ttl:    TTL,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets a custom logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithTTL overrides the challenge lifetime (tests).
func (s *Service) WithTTL(ttl time.Duration) *Service {
	s.ttl = ttl
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue creates a fresh challenge for (user, escrow). Any prior live
// challenge for the pair is replaced; there is never more than one.
func (s *Service) Issue(ctx context.Context, userID, escrowID string) (*Challenge, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	now := s.now().UTC()
	ch := &Challenge{
		ID:        idgen.WithPrefix("chal_"),
		UserID:    userID,
		EscrowID:  escrowID,
		Nonce:     nonce,
		NonceHex:  hex.EncodeToString(nonce),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	if err := s.store.Put(ctx, ch); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	metrics.ChallengesIssuedTotal.Inc()
	s.logger.Debug("issued challenge", "challengeId", ch.ID, "escrowId", escrowID, "userId", userID)
	return ch, nil
}

// Message builds the exact bytes the client must sign:
// BLAKE2b-512(context || nonce || escrow_id || created_at_unix_le8).
func Message(nonce []byte, escrowID string, createdAt time.Time) []byte {
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(createdAt.Unix()))

	var buf bytes.Buffer
	buf.WriteString(challengeContext)
	buf.Write(nonce)
	buf.WriteString(escrowID)
	buf.Write(ts[:])

	sum := blake2b.Sum512(buf.Bytes())
	return sum[:]
}

// Verify checks a signed challenge response. The challenge is consumed on
// every attempt: a second call with the same ID fails with not-found no
// matter how the first one went.
func (s *Service) Verify(ctx context.Context, challengeID, signatureHex, multisigInfo string) error {
	// Single use: the store hands the challenge to exactly one caller,
	// before anything else is decided.
	ch, err := s.store.Consume(ctx, challengeID)
	if err != nil {
		metrics.ChallengeVerificationsTotal.WithLabelValues("not_found").Inc()
		return ErrChallengeNotFound
	}

	if s.now().UTC().After(ch.ExpiresAt) {
		metrics.ChallengeVerificationsTotal.WithLabelValues("expired").Inc()
		return ErrChallengeExpired
	}

	pubKey, err := ExtractPublicKey(multisigInfo)
	if err != nil {
		metrics.ChallengeVerificationsTotal.WithLabelValues("malformed").Inc()
		return err
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		metrics.ChallengeVerificationsTotal.WithLabelValues("bad_signature").Inc()
		return ErrBadSignature
	}

	msg := Message(ch.Nonce, ch.EscrowID, ch.CreatedAt)
	if !ed25519.Verify(pubKey, msg, sig) {
		metrics.ChallengeVerificationsTotal.WithLabelValues("invalid").Inc()
		return ErrSignatureInvalid
	}

	metrics.ChallengeVerificationsTotal.WithLabelValues("success").Inc()
	s.logger.Info("challenge verified", "challengeId", challengeID, "escrowId", ch.EscrowID, "userId", ch.UserID)
	return nil
}

// Sweep removes expired challenges. Called periodically by the server.
func (s *Service) Sweep(ctx context.Context) {
	n, err := s.store.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		s.logger.Warn("challenge sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("swept expired challenges", "count", n)
	}
}

// ExtractPublicKey pulls the ed25519 public key out of a multisig info
// blob: the "MultisigV1" prefix followed by hex, whose first 32 decoded
// bytes are the signing key.
func ExtractPublicKey(multisigInfo string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(multisigInfo, multisigInfoPrefix) {
		return nil, fmt.Errorf("%w: missing %s prefix", ErrMalformedMultisigInfo, multisigInfoPrefix)
	}

	payload, err := hex.DecodeString(multisigInfo[len(multisigInfoPrefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not hex", ErrMalformedMultisigInfo)
	}
	if len(payload) < ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: payload shorter than a public key", ErrMalformedMultisigInfo)
	}

	return ed25519.PublicKey(payload[:ed25519.PublicKeySize]), nil
}
