// Package escrow implements the 2-of-3 escrow lifecycle state machine.
//
// Flow:
//  1. Buyer and vendor agree on a trade → escrow created
//  2. Multisig handshake completes → address pinned on the escrow
//  3. Buyer funds the multisig address → funded
//  4. Buyer confirms delivery → releasing → completed
//     (or vendor agrees to refund → refunding → refunded)
//  5. Either side disputes → disputed, resolved by the offline arbiter
//  6. Any state left idle past its dwell → expired by the timeout monitor
//
// The server never holds buyer or vendor keys; it only coordinates state.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tradeweave/escrowd/internal/idgen"
	"github.com/tradeweave/escrowd/internal/metrics"
	"github.com/tradeweave/escrowd/internal/syncutil"
	"github.com/tradeweave/escrowd/internal/traces"
)

var (
	ErrEscrowNotFound     = errors.New("escrow: not found")
	ErrInvalidTransition  = errors.New("escrow: invalid status transition")
	ErrInvalidAmount      = errors.New("escrow: invalid amount")
	ErrSameParticipant    = errors.New("escrow: buyer and vendor cannot be the same")
	ErrUnauthorized       = errors.New("escrow: not authorized for this operation")
	ErrTerminal           = errors.New("escrow: already in a terminal state")
	ErrNoMultisigAddress  = errors.New("escrow: multisig address not yet established")
	ErrAddressAlreadySet  = errors.New("escrow: multisig address already pinned")
	ErrNotDisputed        = errors.New("escrow: not in disputed state")
	ErrDisputeParticipant = errors.New("escrow: caller is not a party to this escrow")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated   Status = "created"   // Awaiting multisig setup and funding
	StatusFunded    Status = "funded"    // Deposit confirmed at the multisig address
	StatusReleasing Status = "releasing" // Release to vendor in progress
	StatusRefunding Status = "refunding" // Refund to buyer in progress
	StatusDisputed  Status = "disputed"  // Awaiting arbiter decision
	StatusCompleted Status = "completed" // Funds released to vendor
	StatusRefunded  Status = "refunded"  // Funds returned to buyer
	StatusCancelled Status = "cancelled" // Abandoned before funding
	StatusExpired   Status = "expired"   // Timed out by the monitor
)

// transitions is the fixed adjacency table. Every status change in the
// package goes through it; there is no other path.
var transitions = map[Status][]Status{
	StatusCreated:   {StatusFunded, StatusCancelled, StatusExpired},
	StatusFunded:    {StatusReleasing, StatusRefunding, StatusDisputed, StatusExpired},
	StatusReleasing: {StatusCompleted, StatusDisputed, StatusExpired},
	StatusRefunding: {StatusRefunded, StatusDisputed, StatusExpired},
	StatusDisputed:  {StatusReleasing, StatusRefunding, StatusExpired},
	// Terminal states have no outgoing edges.
	StatusCompleted: {},
	StatusRefunded:  {},
	StatusCancelled: {},
	StatusExpired:   {},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states with no outgoing edges.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Timeouts holds the per-state dwell durations. An escrow sitting in a
// state longer than its dwell is expired by the Timer.
type Timeouts struct {
	Created   time.Duration
	Funded    time.Duration
	Releasing time.Duration
	Refunding time.Duration
	Disputed  time.Duration
}

// DefaultTimeouts mirrors the protocol defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Created:   time.Hour,
		Funded:    24 * time.Hour,
		Releasing: 6 * time.Hour,
		Refunding: 6 * time.Hour,
		Disputed:  7 * 24 * time.Hour,
	}
}

// Dwell returns the dwell duration for a state, or 0 for terminal states.
func (t Timeouts) Dwell(s Status) time.Duration {
	switch s {
	case StatusCreated:
		return t.Created
	case StatusFunded:
		return t.Funded
	case StatusReleasing:
		return t.Releasing
	case StatusRefunding:
		return t.Refunding
	case StatusDisputed:
		return t.Disputed
	}
	return 0
}

// EvidenceEntry is a single piece of dispute evidence attached by a party.
type EvidenceEntry struct {
	By   string    `json:"by"`
	Note string    `json:"note"`
	At   time.Time `json:"at"`
}

// Escrow represents one coordinated trade.
type Escrow struct {
	ID              string          `json:"id"`
	BuyerID         string          `json:"buyerId"`
	VendorID        string          `json:"vendorId"`
	Amount          uint64          `json:"amount"` // Atomic units (piconero)
	Status          Status          `json:"status"`
	MultisigAddress string          `json:"multisigAddress,omitempty"`
	FundingTxID     string          `json:"fundingTxId,omitempty"`
	DisputeID       string          `json:"disputeId,omitempty"`
	BuyerClaim      string          `json:"buyerClaim,omitempty"`
	VendorResponse  string          `json:"vendorResponse,omitempty"`
	Evidence        []EvidenceEntry `json:"evidence,omitempty"`
	DisputeOpenedAt *time.Time      `json:"disputeOpenedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	LastActivityAt  time.Time       `json:"lastActivityAt"`
	ExpiresAt       *time.Time      `json:"expiresAt,omitempty"` // nil in terminal states
	WarnedAt        *time.Time      `json:"warnedAt,omitempty"`  // Expiry warning already emitted
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	ListExpiringWithin(ctx context.Context, until time.Time, limit int) ([]*Escrow, error)
}

// Notifier publishes escrow lifecycle events. The realtime hub implements
// this; a nil notifier is fine.
type Notifier interface {
	EscrowEvent(event string, escrow *Escrow)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	BuyerID  string `json:"buyerId" binding:"required"`
	VendorID string `json:"vendorId" binding:"required"`
	Amount   uint64 `json:"amount" binding:"required"`
}

// DisputeRequest contains the parameters for opening a dispute.
type DisputeRequest struct {
	OpenerID string `json:"openerId" binding:"required"`
	Claim    string `json:"claim" binding:"required"`
}

// MaxAmount is the default escrow ceiling: 10,000 XMR in piconero. No
// plausible trade exceeds it; anything above is a typo or an attack.
const MaxAmount uint64 = 10_000_000_000_000_000

// Service implements the escrow lifecycle.
type Service struct {
	store     Store
	timeouts  Timeouts
	notifier  Notifier
	maxAmount uint64
	locks     syncutil.ContextShardedMutex // per-escrow locks to prevent race conditions
}

// NewService creates a new escrow service.
func NewService(store Store, timeouts Timeouts) *Service {
	return &Service{
		store:     store,
		timeouts:  timeouts,
		maxAmount: MaxAmount,
	}
}

// WithNotifier adds a lifecycle event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithMaxAmount overrides the escrow amount ceiling. Zero keeps the default.
func (s *Service) WithMaxAmount(limit uint64) *Service {
	if limit > 0 {
		s.maxAmount = limit
	}
	return s
}

// lock acquires the per-escrow mutex, honoring context cancellation.
// This prevents concurrent state transitions (e.g. release + expiry racing).
func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	return s.locks.LockContext(ctx, id)
}

// Create creates a new escrow in the created state.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create")
	defer span.End()

	if req.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if req.Amount > s.maxAmount {
		return nil, fmt.Errorf("%w: %d piconero exceeds the %d ceiling", ErrInvalidAmount, req.Amount, s.maxAmount)
	}
	if strings.EqualFold(req.BuyerID, req.VendorID) {
		return nil, ErrSameParticipant
	}

	now := time.Now().UTC()
	expires := now.Add(s.timeouts.Dwell(StatusCreated))
	escrow := &Escrow{
		ID:             idgen.WithPrefix("esc_"),
		BuyerID:        req.BuyerID,
		VendorID:       req.VendorID,
		Amount:         req.Amount,
		Status:         StatusCreated,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      &expires,
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("create escrow record: %w", err)
	}

	metrics.EscrowsCreatedTotal.Inc()
	s.notify("escrow_created", escrow)
	return escrow, nil
}

// transition moves the escrow to a new status, enforcing the adjacency
// table and recomputing activity and expiry. Callers must hold the
// per-escrow lock.
func (s *Service) transition(escrow *Escrow, to Status) error {
	if !CanTransition(escrow.Status, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, escrow.Status, to)
	}

	now := time.Now().UTC()
	escrow.Status = to
	escrow.LastActivityAt = now
	escrow.WarnedAt = nil

	if to.IsTerminal() {
		escrow.ExpiresAt = nil
		escrow.CompletedAt = &now
	} else {
		expires := now.Add(s.timeouts.Dwell(to))
		escrow.ExpiresAt = &expires
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// touch refreshes activity and expiry without changing status. Expiry is
// monotone: the recomputed deadline is always later than the previous one
// for the same state. Callers must hold the per-escrow lock.
func (s *Service) touch(escrow *Escrow) {
	if escrow.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	escrow.LastActivityAt = now
	expires := now.Add(s.timeouts.Dwell(escrow.Status))
	escrow.ExpiresAt = &expires
	escrow.WarnedAt = nil
}

// SetMultisigAddress pins the converged multisig address on the escrow.
// Called by the handshake coordinator once all three participants agree.
func (s *Service) SetMultisigAddress(ctx context.Context, id, address string) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusCreated {
		return nil, fmt.Errorf("%w: cannot pin address in %s", ErrInvalidTransition, escrow.Status)
	}
	if escrow.MultisigAddress != "" && escrow.MultisigAddress != address {
		return nil, ErrAddressAlreadySet
	}

	escrow.MultisigAddress = address
	s.touch(escrow)

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	s.notify("multisig_address_set", escrow)
	return escrow, nil
}

// MarkFunded records the deposit and moves created → funded. The multisig
// address must be established first; funds cannot be acknowledged before
// the three wallets converged.
func (s *Service) MarkFunded(ctx context.Context, id, txid string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.MarkFunded", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.MultisigAddress == "" {
		return nil, ErrNoMultisigAddress
	}

	if err := s.transition(escrow, StatusFunded); err != nil {
		return nil, err
	}
	escrow.FundingTxID = txid

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	s.notify("escrow_funded", escrow)
	return escrow, nil
}

// Release starts the release path. Only the buyer confirms delivery.
func (s *Service) Release(ctx context.Context, id, callerID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.BuyerID {
		return nil, ErrUnauthorized
	}

	if err := s.transition(escrow, StatusReleasing); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	s.notify("escrow_releasing", escrow)
	return escrow, nil
}

// Refund starts the refund path. Only the vendor concedes a refund;
// buyers who want their money back against the vendor's will dispute.
func (s *Service) Refund(ctx context.Context, id, callerID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.VendorID {
		return nil, ErrUnauthorized
	}

	if err := s.transition(escrow, StatusRefunding); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	s.notify("escrow_refunding", escrow)
	return escrow, nil
}

// Complete finalizes the release path once the 2-of-3 transaction is
// confirmed on chain (clients report the broadcast; the server trusts
// the releasing party's confirmation, not its own node).
func (s *Service) Complete(ctx context.Context, id string) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var to Status
	switch escrow.Status {
	case StatusReleasing:
		to = StatusCompleted
	case StatusRefunding:
		to = StatusRefunded
	default:
		return nil, fmt.Errorf("%w: %s → completed/refunded", ErrInvalidTransition, escrow.Status)
	}

	if err := s.transition(escrow, to); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	metrics.EscrowsResolvedTotal.WithLabelValues(string(to)).Inc()
	s.notify("escrow_"+string(to), escrow)
	return escrow, nil
}

// OpenDispute moves the escrow to disputed. Either party may open one
// from funded, releasing, or refunding.
func (s *Service) OpenDispute(ctx context.Context, id string, req DisputeRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.OpenerID != escrow.BuyerID && req.OpenerID != escrow.VendorID {
		return nil, ErrDisputeParticipant
	}

	if err := s.transition(escrow, StatusDisputed); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	escrow.DisputeID = idgen.WithPrefix("dsp_")
	escrow.DisputeOpenedAt = &now
	if req.OpenerID == escrow.BuyerID {
		escrow.BuyerClaim = req.Claim
	} else {
		escrow.VendorResponse = req.Claim
	}

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	metrics.DisputesOpenedTotal.Inc()
	s.notify("dispute_opened", escrow)
	return escrow, nil
}

// RespondDispute records the counterparty's statement on an open dispute.
func (s *Service) RespondDispute(ctx context.Context, id, callerID, response string) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusDisputed {
		return nil, ErrNotDisputed
	}

	switch callerID {
	case escrow.BuyerID:
		escrow.BuyerClaim = response
	case escrow.VendorID:
		escrow.VendorResponse = response
	default:
		return nil, ErrDisputeParticipant
	}

	s.touch(escrow)
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// AddEvidence attaches an evidence note to an open dispute.
func (s *Service) AddEvidence(ctx context.Context, id, callerID, note string) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusDisputed {
		return nil, ErrNotDisputed
	}
	if callerID != escrow.BuyerID && callerID != escrow.VendorID {
		return nil, ErrDisputeParticipant
	}

	escrow.Evidence = append(escrow.Evidence, EvidenceEntry{
		By:   callerID,
		Note: note,
		At:   time.Now().UTC(),
	})
	s.touch(escrow)

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// Resolve applies an arbiter decision: disputed → releasing when the
// vendor prevails, disputed → refunding when the buyer does. Called by
// the dispute import path after signature verification.
func (s *Service) Resolve(ctx context.Context, id string, buyerWins bool) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Resolve", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusDisputed {
		return nil, ErrNotDisputed
	}

	to := StatusReleasing
	if buyerWins {
		to = StatusRefunding
	}
	if err := s.transition(escrow, to); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	s.notify("dispute_resolved", escrow)
	return escrow, nil
}

// Cancel abandons an unfunded escrow. Either party may cancel.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.BuyerID && callerID != escrow.VendorID {
		return nil, ErrUnauthorized
	}

	if err := s.transition(escrow, StatusCancelled); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	metrics.EscrowsResolvedTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.notify("escrow_cancelled", escrow)
	return escrow, nil
}

// Expire times out an overdue escrow. Called by the Timer; re-reads under
// the lock so a racing user action wins over the sweep.
func (s *Service) Expire(ctx context.Context, id string) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.IsTerminal() {
		return nil, ErrTerminal
	}
	if escrow.ExpiresAt == nil || time.Now().UTC().Before(*escrow.ExpiresAt) {
		return nil, fmt.Errorf("%w: escrow %s not yet overdue", ErrInvalidTransition, id)
	}

	if err := s.transition(escrow, StatusExpired); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	metrics.EscrowsExpiredTotal.Inc()
	s.notify("escrow_expired", escrow)
	return escrow, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows involving a participant (as buyer or vendor).
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *Service) notify(event string, escrow *Escrow) {
	if s.notifier != nil {
		s.notifier.EscrowEvent(event, escrow)
	}
}
