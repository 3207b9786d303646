package airgap

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeweave/escrowd/internal/escrow"
)

func newArbiterKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

// disputedEscrow walks a fresh escrow into the disputed state.
func disputedEscrow(t *testing.T, escrows *escrow.Service) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()

	esc, err := escrows.Create(ctx, escrow.CreateRequest{
		BuyerID: "buyer-1", VendorID: "vendor-1", Amount: 2_500_000_000_000,
	})
	require.NoError(t, err)
	_, err = escrows.SetMultisigAddress(ctx, esc.ID, "5AbCdEfMultisig")
	require.NoError(t, err)
	_, err = escrows.MarkFunded(ctx, esc.ID, "txid1")
	require.NoError(t, err)
	esc, err = escrows.OpenDispute(ctx, esc.ID, escrow.DisputeRequest{
		OpenerID: "buyer-1", Claim: "item never arrived",
	})
	require.NoError(t, err)
	_, err = escrows.AddEvidence(ctx, esc.ID, "buyer-1", "tracking shows no delivery")
	require.NoError(t, err)
	return esc
}

func newTestService(t *testing.T, pub ed25519.PublicKey) (*Service, *escrow.Service) {
	t.Helper()
	escrows := escrow.NewService(escrow.NewMemoryStore(), escrow.DefaultTimeouts())
	return NewService(NewMemoryStore(), escrows, pub), escrows
}

// decide builds a signed decision for an exported envelope.
func decide(priv ed25519.PrivateKey, env *DisputeEnvelope, decision string) *ArbiterDecision {
	dec := &ArbiterDecision{
		EscrowID:    env.EscrowID,
		Nonce:       env.Nonce,
		Decision:    decision,
		Reason:      "evidence favors this party",
		SignedTxHex: "deadbeef",
		DecidedAt:   time.Now().UTC(),
	}
	dec.DecisionSignature = SignDecision(priv, dec)
	return dec
}

func TestExportDispute(t *testing.T) {
	pub, _ := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	esc := disputedEscrow(t, escrows)

	env, err := svc.ExportDispute(context.Background(), esc.ID, "partialtx")
	require.NoError(t, err)

	assert.Equal(t, esc.ID, env.EscrowID)
	assert.Equal(t, "buyer-1", env.BuyerID)
	assert.Equal(t, "item never arrived", env.BuyerClaim)
	assert.Equal(t, 1, env.EvidenceCount)
	assert.Equal(t, "partialtx", env.PartialTxHex)
	assert.Len(t, env.Nonce, 64)
	require.NotNil(t, env.DisputeOpenedAt)
}

func TestExportDispute_RequiresDisputedState(t *testing.T) {
	pub, _ := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)

	esc, err := escrows.Create(context.Background(), escrow.CreateRequest{
		BuyerID: "buyer-1", VendorID: "vendor-1", Amount: 1,
	})
	require.NoError(t, err)

	_, err = svc.ExportDispute(context.Background(), esc.ID, "")
	assert.ErrorIs(t, err, ErrNotDisputed)

	_, err = svc.ExportDispute(context.Background(), "esc_missing", "")
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)
}

func TestImportDecision_BuyerWins(t *testing.T) {
	pub, priv := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	esc := disputedEscrow(t, escrows)

	env, err := svc.ExportDispute(context.Background(), esc.ID, "")
	require.NoError(t, err)

	got, err := svc.ImportDecision(context.Background(), decide(priv, env, DecisionBuyer))
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunding, got.Status)
}

func TestImportDecision_VendorWins(t *testing.T) {
	pub, priv := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	esc := disputedEscrow(t, escrows)

	env, err := svc.ExportDispute(context.Background(), esc.ID, "")
	require.NoError(t, err)

	got, err := svc.ImportDecision(context.Background(), decide(priv, env, DecisionVendor))
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleasing, got.Status)
}

func TestImportDecision_NonceReplay(t *testing.T) {
	pub, priv := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	esc := disputedEscrow(t, escrows)

	env, err := svc.ExportDispute(context.Background(), esc.ID, "")
	require.NoError(t, err)

	dec := decide(priv, env, DecisionBuyer)
	_, err = svc.ImportDecision(context.Background(), dec)
	require.NoError(t, err)

	_, err = svc.ImportDecision(context.Background(), dec)
	assert.ErrorIs(t, err, ErrNonceReplayed)
}

func TestImportDecision_UnknownNonce(t *testing.T) {
	pub, priv := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	esc := disputedEscrow(t, escrows)

	dec := &ArbiterDecision{
		EscrowID:  esc.ID,
		Nonce:     hex.EncodeToString(make([]byte, 32)),
		Decision:  DecisionBuyer,
		DecidedAt: time.Now().UTC(),
	}
	dec.DecisionSignature = SignDecision(priv, dec)

	_, err := svc.ImportDecision(context.Background(), dec)
	assert.ErrorIs(t, err, ErrNonceUnknown)
}

func TestImportDecision_WrongKey(t *testing.T) {
	pub, _ := newArbiterKey(t)
	_, wrongPriv := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	esc := disputedEscrow(t, escrows)

	env, err := svc.ExportDispute(context.Background(), esc.ID, "")
	require.NoError(t, err)

	_, err = svc.ImportDecision(context.Background(), decide(wrongPriv, env, DecisionBuyer))
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	// The escrow is untouched by the rejected decision.
	esc2, err := escrows.Get(context.Background(), esc.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusDisputed, esc2.Status)
}

func TestImportDecision_TamperedFields(t *testing.T) {
	pub, priv := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	esc := disputedEscrow(t, escrows)

	env, err := svc.ExportDispute(context.Background(), esc.ID, "")
	require.NoError(t, err)

	// Sign for the vendor, then flip the decision to buyer.
	dec := decide(priv, env, DecisionVendor)
	dec.Decision = DecisionBuyer
	_, err = svc.ImportDecision(context.Background(), dec)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	// Swap the signed transaction after signing.
	dec = decide(priv, env, DecisionVendor)
	dec.SignedTxHex = "cafebabe"
	_, err = svc.ImportDecision(context.Background(), dec)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestImportDecision_TimestampWindow(t *testing.T) {
	pub, priv := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	esc := disputedEscrow(t, escrows)

	env, err := svc.ExportDispute(context.Background(), esc.ID, "")
	require.NoError(t, err)

	// Too far in the future.
	dec := decide(priv, env, DecisionBuyer)
	dec.DecidedAt = time.Now().UTC().Add(10 * time.Minute)
	dec.DecisionSignature = SignDecision(priv, dec)
	_, err = svc.ImportDecision(context.Background(), dec)
	assert.ErrorIs(t, err, ErrDecisionStale)

	// Too old.
	dec = decide(priv, env, DecisionBuyer)
	dec.DecidedAt = time.Now().UTC().Add(-MaxDecisionAge - time.Hour)
	dec.DecisionSignature = SignDecision(priv, dec)
	_, err = svc.ImportDecision(context.Background(), dec)
	assert.ErrorIs(t, err, ErrDecisionStale)
}

func TestImportDecision_InvalidDecisionValue(t *testing.T) {
	pub, priv := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	esc := disputedEscrow(t, escrows)

	env, err := svc.ExportDispute(context.Background(), esc.ID, "")
	require.NoError(t, err)

	dec := decide(priv, env, "split")
	_, err = svc.ImportDecision(context.Background(), dec)
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestReExportMintsFreshNonce(t *testing.T) {
	pub, priv := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	esc := disputedEscrow(t, escrows)

	env1, err := svc.ExportDispute(context.Background(), esc.ID, "")
	require.NoError(t, err)
	env2, err := svc.ExportDispute(context.Background(), esc.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, env1.Nonce, env2.Nonce)

	// Either envelope's decision can land, but only one.
	_, err = svc.ImportDecision(context.Background(), decide(priv, env1, DecisionBuyer))
	require.NoError(t, err)
	_, err = svc.ImportDecision(context.Background(), decide(priv, env2, DecisionVendor))
	assert.ErrorIs(t, err, escrow.ErrNotDisputed)
}

func TestImportDecision_FailedApplyKeepsNonceLive(t *testing.T) {
	pub, priv := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	esc := disputedEscrow(t, escrows)

	env, err := svc.ExportDispute(context.Background(), esc.ID, "")
	require.NoError(t, err)

	// The escrow leaves disputed behind the importer's back, so applying
	// the decision fails.
	_, err = escrows.Resolve(context.Background(), esc.ID, true)
	require.NoError(t, err)

	dec := decide(priv, env, DecisionBuyer)
	_, err = svc.ImportDecision(context.Background(), dec)
	assert.ErrorIs(t, err, escrow.ErrNotDisputed)

	// The failed import did not burn the nonce: a retry reports the same
	// escrow-state error, not a replay.
	_, err = svc.ImportDecision(context.Background(), dec)
	assert.ErrorIs(t, err, escrow.ErrNotDisputed)
	assert.NotErrorIs(t, err, ErrNonceReplayed)
}

func TestParsePrivateKey(t *testing.T) {
	pub, priv := newArbiterKey(t)

	parsed, err := ParsePrivateKey(hex.EncodeToString(priv.Seed()))
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), []byte(parsed.Public().(ed25519.PublicKey)))

	_, err = ParsePrivateKey("zz")
	assert.ErrorIs(t, err, ErrBadKey)
	_, err = ParsePrivateKey(hex.EncodeToString(make([]byte, 16)))
	assert.ErrorIs(t, err, ErrBadKey)
}
