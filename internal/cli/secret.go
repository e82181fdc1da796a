package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/avesa-io/avesa/domain/secrets"
)

func newSecretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage credential payloads",
	}
	cmd.AddCommand(newSecretPutCommand())
	return cmd
}

func newSecretPutCommand() *cobra.Command {
	var (
		ref  string
		file string
	)

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Store a credential payload under a ref",
		Long: `Store a credential payload under a ref. The payload is a JSON
document with a "kind" (basic, bearer, or api_key) plus the fields the
source service needs. Pass --file - to read from stdin. Requires a
writable secrets provider (SECRETS_PROVIDER=postgres).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ref == "" {
				return usageErrorf("--ref is required")
			}
			if file == "" {
				return usageErrorf("--file is required")
			}

			payload, err := readPayload(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			var creds secrets.Credentials
			if err := json.Unmarshal(payload, &creds); err != nil {
				return usageErrorf("credential payload is not valid JSON: %s", err)
			}
			if creds.Kind == "" {
				return usageErrorf(`credential payload has no "kind" (want basic, bearer, or api_key)`)
			}

			tb, err := openToolbox(cmd.Context())
			if err != nil {
				return err
			}
			defer tb.Close()

			store, err := secrets.NewStore(tb.cfg, tb.db, tb.log)
			if err != nil {
				return err
			}
			writer, ok := store.(secrets.Writer)
			if !ok {
				return fmt.Errorf("secrets provider %q is read-only; set SECRETS_PROVIDER=postgres to store payloads",
					tb.cfg.Secrets.Provider)
			}

			if err := writer.Put(cmd.Context(), ref, creds); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "secret %s stored\n", ref)
			return nil
		},
	}

	cmd.Flags().StringVar(&ref, "ref", "", "credential ref referenced by service configs")
	cmd.Flags().StringVar(&file, "file", "", "path to the JSON payload, - for stdin")
	return cmd
}

func readPayload(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	payload, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read credential payload: %w", err)
	}
	return payload, nil
}
