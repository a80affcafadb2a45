package commands

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"secure-comm/go-backend/internal/pairing"
	"secure-comm/go-backend/pkg/models"
)

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Add a new device to this account",
	}
	cmd.AddCommand(pairInitiateCmd(), pairScanCmd(), pairApproveCmd(), pairRejectCmd(), pairCompleteCmd(), pairStatusCmd())
	return cmd
}

func pairInitiateCmd() *cobra.Command {
	var assumeYes bool
	cmd := &cobra.Command{
		Use:   "initiate",
		Short: "Print a pairing code and approve the device that scans it",
		RunE: func(cmd *cobra.Command, args []string) error {
			qr, err := acct.StartPairing(cmd.Context())
			if err != nil {
				return err
			}
			raw, err := qr.Encode()
			if err != nil {
				return err
			}
			fmt.Printf("Pairing code (expires %s):\n%s\n\nWaiting for the new device...\n", qr.ExpiresAt.Local().Format(time.Kitchen), raw)

			ctx, cancel := context.WithDeadline(cmd.Context(), qr.ExpiresAt.Add(cfg.Pairing.PollInterval))
			defer cancel()
			updates := make(chan models.PairingSession, 8)
			stop := pairing.StartPoller(ctx, acct, qr.Token, cfg.Pairing.PollInterval, func(s models.PairingSession) bool {
				updates <- s
				return !pairing.IsTerminal(s.Status)
			})
			defer stop()

			in := bufio.NewReader(cmd.InOrStdin())
			for {
				select {
				case <-ctx.Done():
					return fmt.Errorf("pairing %s: %w", qr.Token, pairing.ErrQRExpired)
				case s := <-updates:
					switch s.Status {
					case models.PairingScanned:
						fmt.Printf("Device %q (%s) scanned the code.\nIts fingerprint: %s\n", s.NewDeviceName, s.NewDeviceType, s.NewDeviceFingerprint)
						if !assumeYes && !confirm(in, "Does this match the fingerprint shown on the new device? [y/N] ") {
							return acct.RejectPairing(ctx, qr.Token)
						}
						if err := acct.ApprovePairing(ctx, qr.Token, s.NewDevicePublicKey); err != nil {
							return err
						}
						fmt.Println("Approved. Waiting for the device to finish...")
					case models.PairingCompleted:
						fmt.Printf("Device %s paired.\n", s.NewDeviceID)
						return nil
					case models.PairingRejected, models.PairingExpired:
						return fmt.Errorf("pairing %s", s.Status)
					}
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "approve without asking")
	return cmd
}

func confirm(in *bufio.Reader, prompt string) bool {
	fmt.Print(prompt)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func pairScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <pairing-code>",
		Short: "Join an account using the code printed by `pair initiate`",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qr, err := pairing.ParseQR(args[0])
			if err != nil {
				return err
			}
			scan, err := acct.ScanPairing(cmd.Context(), qr)
			if err != nil {
				return err
			}
			fmt.Printf("Scanned. Confirm this fingerprint on the other device:\n  %s\nThen run: keyctl pair complete %s\n", scan.Fingerprint, qr.Token)
			return nil
		},
	}
}

func pairApproveCmd() *cobra.Command {
	var pub string
	cmd := &cobra.Command{
		Use:   "approve <token>",
		Short: "Approve a scanned pairing for the given device public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(pub))
			if err != nil {
				return fmt.Errorf("decode --pub: %w", err)
			}
			return acct.ApprovePairing(cmd.Context(), args[0], key)
		},
	}
	cmd.Flags().StringVar(&pub, "pub", "", "new device public key (base64)")
	_ = cmd.MarkFlagRequired("pub")
	return cmd
}

func pairRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <token>",
		Short: "Reject a pending pairing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return acct.RejectPairing(cmd.Context(), args[0])
		},
	}
}

func pairCompleteCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "complete <token>",
		Short: "Finish pairing once the other device approved it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := args[0]
			if wait {
				if err := waitForStatus(cmd.Context(), token, models.PairingApproved); err != nil {
					return err
				}
			}
			version, err := acct.CompletePairing(cmd.Context(), token)
			if err != nil {
				return err
			}
			fmt.Printf("Paired. Data encryption key v%d cached.\n", version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "poll until the pairing is approved")
	return cmd
}

func waitForStatus(ctx context.Context, token string, want models.PairingStatus) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Pairing.TTL)
	defer cancel()
	done := make(chan models.PairingSession, 1)
	stop := pairing.StartPoller(ctx, acct, token, cfg.Pairing.PollInterval, func(s models.PairingSession) bool {
		if s.Status == want || pairing.IsTerminal(s.Status) {
			done <- s
			return false
		}
		return true
	})
	defer stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s := <-done:
		if s.Status != want {
			return fmt.Errorf("pairing %s", s.Status)
		}
		return nil
	}
}

func pairStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <token>",
		Short: "Show the state of a pairing session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := acct.PairingStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"token":                  s.Token,
				"status":                 s.Status,
				"expires_at":             s.ExpiresAt,
				"new_device_id":          s.NewDeviceID,
				"new_device_fingerprint": s.NewDeviceFingerprint,
				"dek_version":            s.DEKVersion,
			})
		},
	}
}
