package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/satriahrh/arunika/client/adapters"
	"github.com/satriahrh/arunika/client/adapters/websocket"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/usecase"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ask <text>",
		Short: "Send text to the server's language model and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			// ask never records, so the capture device stays closed
			client, err := usecase.NewVoiceClient(cfg, websocket.NewTransport(), adapters.NewMemoryCapture(),
				adapters.StaticPermission(repositories.PermissionDenied), logger, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client.Start()
			if err := waitReady(ctx, client, cfg); err != nil {
				return err
			}

			answer, err := client.Ask(ctx, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(answer)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), answer.Response)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full llm_response payload as JSON")
	return cmd
}
