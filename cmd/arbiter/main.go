// Command arbiter is the offline dispute-resolution tool.
//
// It runs on the arbiter's air-gapped machine. The workflow is:
//
//	arbiter show -envelope dispute.json
//	arbiter decide -envelope dispute.json -key seed.hex -decision buyer \
//	    -reason "vendor never shipped" -signed-tx tx.hex -out decision.json
//
// show prints a dispute summary for review. decide signs a verdict with
// the arbiter's ed25519 key and writes the decision document, which is
// carried back to the server and imported there. The tool never touches
// the network.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tradeweave/escrowd/internal/airgap"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "show":
		err = runShow(os.Args[2:])
	case "decide":
		err = runDecide(os.Args[2:])
	case "keygen":
		err = runKeygen()
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: arbiter <show|decide|keygen> [flags]")
	fmt.Fprintln(os.Stderr, "  show   -envelope <file>")
	fmt.Fprintln(os.Stderr, "  decide -envelope <file> -key <seedfile> -decision <buyer|vendor> [-reason <text>] [-signed-tx <file>] [-out <file>]")
	fmt.Fprintln(os.Stderr, "  keygen")
}

func readEnvelope(path string) (*airgap.DisputeEnvelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	var env airgap.DisputeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.EscrowID == "" || env.Nonce == "" {
		return nil, fmt.Errorf("envelope missing escrowId or nonce")
	}
	return &env, nil
}

func runShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	envPath := fs.String("envelope", "", "dispute envelope JSON file")
	_ = fs.Parse(args)
	if *envPath == "" {
		return fmt.Errorf("-envelope is required")
	}

	env, err := readEnvelope(*envPath)
	if err != nil {
		return err
	}

	fmt.Printf("Escrow:      %s\n", env.EscrowID)
	fmt.Printf("Buyer:       %s\n", env.BuyerID)
	fmt.Printf("Vendor:      %s\n", env.VendorID)
	fmt.Printf("Amount:      %d (atomic units)\n", env.Amount)
	if env.DisputeOpenedAt != nil {
		fmt.Printf("Opened:      %s\n", env.DisputeOpenedAt.Format(time.RFC3339))
	}
	fmt.Printf("Exported:    %s\n", env.ExportedAt.Format(time.RFC3339))
	fmt.Printf("Nonce:       %s\n", env.Nonce)
	fmt.Printf("\nBuyer claim:\n  %s\n", env.BuyerClaim)
	if env.VendorResponse != "" {
		fmt.Printf("\nVendor response:\n  %s\n", env.VendorResponse)
	} else {
		fmt.Printf("\nVendor response: (none)\n")
	}
	fmt.Printf("\nEvidence (%d items):\n", env.EvidenceCount)
	for i, ev := range env.Evidence {
		fmt.Printf("  %d. [%s] %s\n", i+1, ev.By, ev.Note)
	}
	if env.PartialTxHex != "" {
		fmt.Printf("\nPartial tx: %d hex chars (countersign with the multisig wallet)\n", len(env.PartialTxHex))
	}
	return nil
}

func runDecide(args []string) error {
	fs := flag.NewFlagSet("decide", flag.ExitOnError)
	envPath := fs.String("envelope", "", "dispute envelope JSON file")
	keyPath := fs.String("key", "", "file holding the hex-encoded ed25519 seed")
	decision := fs.String("decision", "", "buyer or vendor")
	reason := fs.String("reason", "", "human-readable rationale")
	signedTxPath := fs.String("signed-tx", "", "optional file holding the countersigned tx hex")
	outPath := fs.String("out", "", "output file (default: decision_<escrow>.json)")
	_ = fs.Parse(args)

	if *envPath == "" || *keyPath == "" {
		return fmt.Errorf("-envelope and -key are required")
	}
	if *decision != airgap.DecisionBuyer && *decision != airgap.DecisionVendor {
		return fmt.Errorf("-decision must be %q or %q", airgap.DecisionBuyer, airgap.DecisionVendor)
	}

	env, err := readEnvelope(*envPath)
	if err != nil {
		return err
	}

	seedHex, err := os.ReadFile(*keyPath)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	priv, err := airgap.ParsePrivateKey(strings.TrimSpace(string(seedHex)))
	if err != nil {
		return err
	}

	var signedTx string
	if *signedTxPath != "" {
		data, err := os.ReadFile(*signedTxPath)
		if err != nil {
			return fmt.Errorf("read signed tx: %w", err)
		}
		signedTx = strings.TrimSpace(string(data))
	}

	dec := &airgap.ArbiterDecision{
		EscrowID:    env.EscrowID,
		Nonce:       env.Nonce,
		Decision:    *decision,
		Reason:      *reason,
		SignedTxHex: signedTx,
		DecidedAt:   time.Now().UTC(),
	}
	dec.DecisionSignature = airgap.SignDecision(priv, dec)

	out := *outPath
	if out == "" {
		out = fmt.Sprintf("decision_%s.json", env.EscrowID)
	}
	data, err := json.MarshalIndent(dec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write decision: %w", err)
	}

	fmt.Printf("Signed decision for %s (%s wins) written to %s\n", env.EscrowID, *decision, out)
	return nil
}

// runKeygen prints a fresh keypair. The seed stays on this machine; only
// the public key is configured on the server.
func runKeygen() error {
	seed, pub, err := airgap.GenerateKeypair()
	if err != nil {
		return err
	}
	fmt.Printf("seed (keep offline):  %s\n", seed)
	fmt.Printf("public key (server):  %s\n", pub)
	return nil
}
