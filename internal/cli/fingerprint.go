package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"example.com/healthsync/internal/domain"
)

// NewFingerprintCommand prints the dedup fingerprint of a JSON document.
func NewFingerprintCommand() *cobra.Command {
	var canonical bool
	cmd := &cobra.Command{
		Use:   "fingerprint [file]",
		Short: "Print the dedup fingerprint of a payload (stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			if canonical {
				out, err := domain.CanonicalJSON(doc)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
			sum, err := domain.Fingerprint(doc)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().BoolVar(&canonical, "canonical", false, "print the canonical form instead of its hash")
	return cmd
}

// NewValidateCommand checks a full sync envelope the way the ingest endpoints do.
func NewValidateCommand() *cobra.Command {
	var recordType string
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a sync envelope and print its fingerprint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.RecordType(recordType)
			if !kind.Valid() {
				return fmt.Errorf("--type must be daily or intraday")
			}
			body, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			env, err := domain.ParseEnvelope(body, kind, domain.EnvelopeOptions{Now: time.Now})
			if err != nil {
				return err
			}
			sum, err := domain.Fingerprint(env.RawPayload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok date=%s device=%s source_app=%s schema_version=%d fingerprint=%s\n",
				domain.FormatDate(env.Date), env.Source.DeviceID, env.Source.SourceApp, env.Source.SchemaVersion, sum)
			return nil
		},
	}
	cmd.Flags().StringVar(&recordType, "type", string(domain.RecordTypeDaily), "endpoint kind (daily|intraday)")
	return cmd
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}
