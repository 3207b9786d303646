// Package multisig coordinates the 2-of-3 multisig wallet handshake.
//
// The server is a relay with one wallet of its own: buyer and vendor run
// the rounds against their own wallets and submit the resulting blobs,
// while the coordinator drives the arbiter wallet over RPC whenever both
// of them have moved. Every submission must carry a signature over an
// outstanding possession challenge; an unverified blob is never accepted
// and never relayed to the peers. Rounds are strictly ordered — prepare, make, two
// sync rounds — and the handshake only succeeds if all three wallets
// report byte-for-byte the same multisig address. A mismatch is terminal
// for the session; it is never retried behind the participants' backs.
package multisig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradeweave/escrowd/internal/metrics"
	"github.com/tradeweave/escrowd/internal/registry"
	"github.com/tradeweave/escrowd/internal/syncutil"
	"github.com/tradeweave/escrowd/internal/traces"
)

var (
	ErrSessionNotFound  = errors.New("multisig: no handshake session for this escrow")
	ErrSessionExists    = errors.New("multisig: handshake already in progress")
	ErrSessionFailed    = errors.New("multisig: handshake has failed and will not continue")
	ErrRegistryNotReady = errors.New("multisig: all three wallets must be registered first")
	ErrProtocolOrder    = errors.New("multisig: submission out of protocol order")
	ErrInvalidRole      = errors.New("multisig: only buyer and vendor submit rounds")
	ErrAddressMismatch  = errors.New("multisig: participants computed different addresses")
	ErrNotVerified      = errors.New("multisig: wallet possession not proven")
)

// Threshold is fixed: every escrow is 2-of-3.
const Threshold uint32 = 2

// ParticipantState tracks one wallet's progress through the rounds.
type ParticipantState string

const (
	PartInitiated      ParticipantState = "initiated"
	PartPrepared       ParticipantState = "prepared"
	PartMade           ParticipantState = "made"
	PartSyncedR1       ParticipantState = "synced_r1"
	PartSyncedR2       ParticipantState = "synced_r2"
	PartReady          ParticipantState = "ready"
	PartFailedMismatch ParticipantState = "failed_mismatch"
	PartFailedTimeout  ParticipantState = "failed_timeout"
	PartFailedRPC      ParticipantState = "failed_rpc"
)

// State tracks the session as a whole.
type State string

const (
	StateAwaitingRegistrations State = "awaiting_registrations"
	StateAllRegistered         State = "all_registered"
	StatePrepared              State = "prepared"
	StateMade                  State = "made"
	StateSyncRound1Complete    State = "sync_round1_complete"
	StateSyncRound2Complete    State = "sync_round2_complete"
	StateReady                 State = "ready"
	StateFailed                State = "failed"
)

// Participant is one wallet's view of the handshake. Blobs are opaque to
// the server; it stores and relays them without interpretation.
type Participant struct {
	Role        registry.Role    `json:"role"`
	State       ParticipantState `json:"state"`
	PrepareInfo string           `json:"prepareInfo,omitempty"`
	MadeInfo    string           `json:"madeInfo,omitempty"`
	SyncR1Info  string           `json:"syncR1Info,omitempty"`
	SyncR2Info  string           `json:"syncR2Info,omitempty"`
	Address     string           `json:"address,omitempty"`
}

// Session is one escrow's handshake.
type Session struct {
	EscrowID     string                         `json:"escrowId"`
	State        State                          `json:"state"`
	Participants map[registry.Role]*Participant `json:"participants"`
	Address      string                         `json:"address,omitempty"`
	FailReason   string                         `json:"failReason,omitempty"`
	CreatedAt    time.Time                      `json:"createdAt"`
	UpdatedAt    time.Time                      `json:"updatedAt"`
}

// Active reports whether the session can still make progress.
func (s *Session) Active() bool {
	return s.State != StateReady && s.State != StateFailed
}

// Store persists handshake sessions, keyed by escrow ID.
type Store interface {
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, escrowID string) (*Session, error)
	UpdateSession(ctx context.Context, sess *Session) error
	// ListActiveIdleSince returns active sessions untouched since before.
	ListActiveIdleSince(ctx context.Context, before time.Time, limit int) ([]*Session, error)
}

// AddressPinner is the slice of the escrow service the coordinator needs:
// pin the converged address on the escrow record.
type AddressPinner func(ctx context.Context, escrowID, address string) error

// Verifier checks a signed possession challenge. The challenge service
// implements it; every submission must pass it before the session moves.
type Verifier interface {
	Verify(ctx context.Context, challengeID, signatureHex, multisigInfo string) error
}

// Notifier publishes handshake progress. The realtime hub implements
// this; a nil notifier is fine.
type Notifier interface {
	HandshakeEvent(event string, sess *Session)
}

// Service drives the handshake.
type Service struct {
	store    Store
	registry *registry.Service
	verify   Verifier
	pin      AddressPinner
	notifier Notifier
	logger   *slog.Logger
	locks    syncutil.ShardedMutex // per-escrow session locks
}

// NewService creates a handshake coordinator. verify gates every round
// submission; pin is called exactly once per successful handshake with
// the converged address.
func NewService(store Store, reg *registry.Service, verify Verifier, pin AddressPinner) *Service {
	return &Service{
		store:    store,
		registry: reg,
		verify:   verify,
		pin:      pin,
		logger:   slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithNotifier adds a progress event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Begin opens a handshake session. All three wallets must already be
// registered; a session in flight, ready, or failed blocks a new one.
func (s *Service) Begin(ctx context.Context, escrowID string) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "multisig.Begin", traces.EscrowID(escrowID))
	defer span.End()

	defer s.locks.Lock(escrowID)()

	if existing, err := s.store.GetSession(ctx, escrowID); err == nil && existing != nil {
		return nil, ErrSessionExists
	}

	ready, err := s.registry.Ready(ctx, escrowID)
	if err != nil {
		return nil, fmt.Errorf("check registry: %w", err)
	}
	if !ready {
		return nil, ErrRegistryNotReady
	}

	now := time.Now().UTC()
	sess := &Session{
		EscrowID: escrowID,
		State:    StateAllRegistered,
		Participants: map[registry.Role]*Participant{
			registry.RoleBuyer:   {Role: registry.RoleBuyer, State: PartInitiated},
			registry.RoleVendor:  {Role: registry.RoleVendor, State: PartInitiated},
			registry.RoleArbiter: {Role: registry.RoleArbiter, State: PartInitiated},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info("handshake started", "escrowId", escrowID)
	s.notify("handshake_started", sess)
	return sess, nil
}

// Progress returns the current session, including peers' submitted blobs
// so participants can pull what they need for their next local round.
func (s *Service) Progress(ctx context.Context, escrowID string) (*Session, error) {
	sess, err := s.store.GetSession(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// provePossession burns the submitted challenge against the wallet key
// embedded in the MultisigV1 info blob. Pass or fail, the challenge is
// consumed; an unverified submission never touches the session.
func (s *Service) provePossession(ctx context.Context, challengeID, signature, multisigInfo string) error {
	if err := s.verify.Verify(ctx, challengeID, signature, multisigInfo); err != nil {
		return fmt.Errorf("%w: %w", ErrNotVerified, err)
	}
	return nil
}

// SubmitPrepare accepts a participant's prepare_multisig blob, together
// with their signature over an outstanding possession challenge. When
// both buyer and vendor have prepared, the coordinator runs the
// arbiter's prepare over RPC and the session advances.
func (s *Service) SubmitPrepare(ctx context.Context, escrowID string, role registry.Role, prepareInfo, challengeID, signature string) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "multisig.SubmitPrepare", traces.EscrowID(escrowID), traces.Role(string(role)))
	defer span.End()

	defer s.locks.Lock(escrowID)()

	sess, part, err := s.participant(ctx, escrowID, role)
	if err != nil {
		return nil, err
	}
	if sess.State != StateAllRegistered {
		return nil, fmt.Errorf("%w: prepare submitted in %s", ErrProtocolOrder, sess.State)
	}
	if part.State != PartInitiated {
		return nil, fmt.Errorf("%w: %s already prepared", ErrProtocolOrder, role)
	}
	// The prepare blob itself carries the key the challenge was signed with.
	if err := s.provePossession(ctx, challengeID, signature, prepareInfo); err != nil {
		return nil, err
	}

	part.State = PartPrepared
	part.PrepareInfo = prepareInfo
	metrics.HandshakeRoundsTotal.WithLabelValues("prepare").Inc()

	if s.bothAt(sess, PartPrepared) {
		if err := s.arbiterPrepare(ctx, sess); err != nil {
			return s.fail(ctx, sess, PartFailedRPC, fmt.Sprintf("arbiter prepare: %v", err))
		}
		sess.State = StatePrepared
	}

	return s.save(ctx, sess, "handshake_progress")
}

// SubmitMade accepts the output of a participant's make_multisig call,
// gated on a fresh signed challenge. Requires the prepare round to be
// complete for everyone.
func (s *Service) SubmitMade(ctx context.Context, escrowID string, role registry.Role, madeInfo, challengeID, signature string) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "multisig.SubmitMade", traces.EscrowID(escrowID), traces.Role(string(role)))
	defer span.End()

	defer s.locks.Lock(escrowID)()

	sess, part, err := s.participant(ctx, escrowID, role)
	if err != nil {
		return nil, err
	}
	if sess.State != StatePrepared {
		return nil, fmt.Errorf("%w: make submitted in %s", ErrProtocolOrder, sess.State)
	}
	if part.State != PartPrepared {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrProtocolOrder, role, part.State, PartPrepared)
	}
	if err := s.provePossession(ctx, challengeID, signature, part.PrepareInfo); err != nil {
		return nil, err
	}

	part.State = PartMade
	part.MadeInfo = madeInfo
	metrics.HandshakeRoundsTotal.WithLabelValues("make").Inc()

	if s.bothAt(sess, PartMade) {
		if err := s.arbiterMake(ctx, sess); err != nil {
			return s.fail(ctx, sess, PartFailedRPC, fmt.Sprintf("arbiter make: %v", err))
		}
		sess.State = StateMade
	}

	return s.save(ctx, sess, "handshake_progress")
}

// SubmitSync accepts a key-sync round submission, gated on a fresh
// signed challenge. Round 1 carries the export_multisig_info blob;
// round 2 additionally carries the wallet's final multisig address.
// Rounds out of order are rejected.
func (s *Service) SubmitSync(ctx context.Context, escrowID string, role registry.Role, round int, info, address, challengeID, signature string) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "multisig.SubmitSync", traces.EscrowID(escrowID), traces.Role(string(role)), traces.Round(round))
	defer span.End()

	defer s.locks.Lock(escrowID)()

	sess, part, err := s.participant(ctx, escrowID, role)
	if err != nil {
		return nil, err
	}

	switch round {
	case 1:
		if sess.State != StateMade {
			return nil, fmt.Errorf("%w: sync round 1 submitted in %s", ErrProtocolOrder, sess.State)
		}
		if part.State != PartMade {
			return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrProtocolOrder, role, part.State, PartMade)
		}
		if err := s.provePossession(ctx, challengeID, signature, part.PrepareInfo); err != nil {
			return nil, err
		}
		part.State = PartSyncedR1
		part.SyncR1Info = info
		metrics.HandshakeRoundsTotal.WithLabelValues("sync_r1").Inc()

		if s.bothAt(sess, PartSyncedR1) {
			if err := s.arbiterSync(ctx, sess, 1); err != nil {
				return s.fail(ctx, sess, PartFailedRPC, fmt.Sprintf("arbiter sync round 1: %v", err))
			}
			sess.State = StateSyncRound1Complete
		}

	case 2:
		if sess.State != StateSyncRound1Complete {
			return nil, fmt.Errorf("%w: sync round 2 submitted in %s", ErrProtocolOrder, sess.State)
		}
		if part.State != PartSyncedR1 {
			return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrProtocolOrder, role, part.State, PartSyncedR1)
		}
		if address == "" {
			return nil, fmt.Errorf("%w: sync round 2 must carry the computed address", ErrProtocolOrder)
		}
		if err := s.provePossession(ctx, challengeID, signature, part.PrepareInfo); err != nil {
			return nil, err
		}
		part.State = PartSyncedR2
		part.SyncR2Info = info
		part.Address = address
		metrics.HandshakeRoundsTotal.WithLabelValues("sync_r2").Inc()

		if s.bothAt(sess, PartSyncedR2) {
			if err := s.arbiterSync(ctx, sess, 2); err != nil {
				return s.fail(ctx, sess, PartFailedRPC, fmt.Sprintf("arbiter sync round 2: %v", err))
			}
			sess.State = StateSyncRound2Complete
			return s.finalize(ctx, sess)
		}

	default:
		return nil, fmt.Errorf("%w: unknown sync round %d", ErrProtocolOrder, round)
	}

	return s.save(ctx, sess, "handshake_progress")
}

// finalize compares the three reported addresses. Convergence pins the
// address on the escrow and the session becomes ready; any divergence is
// a terminal mismatch.
func (s *Service) finalize(ctx context.Context, sess *Session) (*Session, error) {
	var addr string
	for _, p := range sess.Participants {
		if p.Address == "" {
			return s.fail(ctx, sess, PartFailedMismatch, fmt.Sprintf("%s reported no address", p.Role))
		}
		if addr == "" {
			addr = p.Address
			continue
		}
		if p.Address != addr {
			metrics.AddressMismatchesTotal.Inc()
			s.logger.Error("multisig address mismatch",
				"escrowId", sess.EscrowID,
				"role", p.Role,
			)
			return s.fail(ctx, sess, PartFailedMismatch, "participants computed different multisig addresses")
		}
	}

	if err := s.pin(ctx, sess.EscrowID, addr); err != nil {
		return s.fail(ctx, sess, PartFailedRPC, fmt.Sprintf("pin address: %v", err))
	}

	sess.Address = addr
	sess.State = StateReady
	for _, p := range sess.Participants {
		p.State = PartReady
	}

	s.logger.Info("handshake converged", "escrowId", sess.EscrowID, "address", addr)
	return s.save(ctx, sess, "handshake_ready")
}

// FlagStalled fails active sessions untouched since idleSince. It serves
// the escrow timeout monitor's stall check; returns the number flagged.
func (s *Service) FlagStalled(ctx context.Context, idleSince time.Time) (int, error) {
	sessions, err := s.store.ListActiveIdleSince(ctx, idleSince, 100)
	if err != nil {
		return 0, fmt.Errorf("list stalled sessions: %w", err)
	}

	flagged := 0
	for _, candidate := range sessions {
		unlock := s.locks.Lock(candidate.EscrowID)
		sess, err := s.store.GetSession(ctx, candidate.EscrowID)
		if err != nil || !sess.Active() || sess.UpdatedAt.After(idleSince) {
			unlock()
			continue
		}
		if _, err := s.fail(ctx, sess, PartFailedTimeout, "handshake stalled past the idle window"); err != nil {
			s.logger.Warn("failed to flag stalled handshake", "escrowId", sess.EscrowID, "error", err)
			unlock()
			continue
		}
		metrics.HandshakesStalledTotal.Inc()
		flagged++
		unlock()
	}
	return flagged, nil
}

// participant loads the session and validates the submitting role.
// Arbiter rounds are server-driven and never submitted over the API.
func (s *Service) participant(ctx context.Context, escrowID string, role registry.Role) (*Session, *Participant, error) {
	if role != registry.RoleBuyer && role != registry.RoleVendor {
		return nil, nil, ErrInvalidRole
	}
	sess, err := s.store.GetSession(ctx, escrowID)
	if err != nil {
		return nil, nil, err
	}
	if sess.State == StateFailed {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionFailed, sess.FailReason)
	}
	if sess.State == StateReady {
		return nil, nil, fmt.Errorf("%w: handshake already complete", ErrProtocolOrder)
	}
	return sess, sess.Participants[role], nil
}

// bothAt reports whether buyer and vendor have both reached the state.
func (s *Service) bothAt(sess *Session, state ParticipantState) bool {
	return sess.Participants[registry.RoleBuyer].State == state &&
		sess.Participants[registry.RoleVendor].State == state
}

func (s *Service) arbiterPrepare(ctx context.Context, sess *Session) error {
	client, err := s.registry.Client(ctx, sess.EscrowID, registry.RoleArbiter)
	if err != nil {
		return err
	}
	info, err := client.PrepareMultisig(ctx)
	if err != nil {
		return err
	}
	arb := sess.Participants[registry.RoleArbiter]
	arb.State = PartPrepared
	arb.PrepareInfo = info
	metrics.HandshakeRoundsTotal.WithLabelValues("prepare").Inc()
	return nil
}

func (s *Service) arbiterMake(ctx context.Context, sess *Session) error {
	client, err := s.registry.Client(ctx, sess.EscrowID, registry.RoleArbiter)
	if err != nil {
		return err
	}
	infos := []string{
		sess.Participants[registry.RoleBuyer].PrepareInfo,
		sess.Participants[registry.RoleVendor].PrepareInfo,
	}
	_, madeInfo, err := client.MakeMultisig(ctx, infos, Threshold)
	if err != nil {
		return err
	}
	arb := sess.Participants[registry.RoleArbiter]
	arb.State = PartMade
	arb.MadeInfo = madeInfo
	metrics.HandshakeRoundsTotal.WithLabelValues("make").Inc()
	return nil
}

func (s *Service) arbiterSync(ctx context.Context, sess *Session, round int) error {
	client, err := s.registry.Client(ctx, sess.EscrowID, registry.RoleArbiter)
	if err != nil {
		return err
	}

	exported, err := client.ExportMultisigInfo(ctx)
	if err != nil {
		return err
	}
	peers := []string{
		sess.Participants[registry.RoleBuyer].syncInfo(round),
		sess.Participants[registry.RoleVendor].syncInfo(round),
	}
	if _, err := client.ImportMultisigInfo(ctx, peers); err != nil {
		return err
	}

	arb := sess.Participants[registry.RoleArbiter]
	switch round {
	case 1:
		arb.State = PartSyncedR1
		arb.SyncR1Info = exported
		metrics.HandshakeRoundsTotal.WithLabelValues("sync_r1").Inc()
	case 2:
		addr, err := client.GetAddress(ctx)
		if err != nil {
			return err
		}
		arb.State = PartSyncedR2
		arb.SyncR2Info = exported
		arb.Address = addr
		metrics.HandshakeRoundsTotal.WithLabelValues("sync_r2").Inc()
	}
	return nil
}

func (p *Participant) syncInfo(round int) string {
	if round == 1 {
		return p.SyncR1Info
	}
	return p.SyncR2Info
}

// fail marks the session terminally failed. Non-terminal participants
// inherit the failure state so Progress shows who was left hanging.
func (s *Service) fail(ctx context.Context, sess *Session, state ParticipantState, reason string) (*Session, error) {
	sess.State = StateFailed
	sess.FailReason = reason
	for _, p := range sess.Participants {
		if p.State != PartReady {
			p.State = state
		}
	}
	s.logger.Warn("handshake failed", "escrowId", sess.EscrowID, "reason", reason)
	return s.save(ctx, sess, "handshake_failed")
}

func (s *Service) save(ctx context.Context, sess *Session, event string) (*Session, error) {
	sess.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	s.notify(event, sess)
	return sess, nil
}

func (s *Service) notify(event string, sess *Session) {
	if s.notifier != nil {
		s.notifier.HandshakeEvent(event, sess)
	}
}
