package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/satriahrh/arunika/client/internal/config"
	"github.com/satriahrh/arunika/client/internal/peer"
)

func newPeerCmd(opts *rootOptions) *cobra.Command {
	var transcript string

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run a development server that speaks the voice protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			hub := peer.NewHub(peer.Config{Secret: cfg.AuthSecret, Transcript: transcript}, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "peer listening on %s\n", cfg.PeerAddr)
			return peer.ListenAndServe(ctx, cfg.PeerAddr, hub)
		},
	}

	cmd.Flags().String("addr", "", "listen address (default peer_addr)")
	cmd.Flags().StringVar(&transcript, "transcript", "", "text returned for every transcription")
	bindFlags(opts.v, cmd.Flags(), map[string]string{config.KeyPeerAddr: "addr"})
	return cmd
}
