// Package cli is the arunika-client command tree.
package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/satriahrh/arunika/client/internal/config"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=..."
var Version = "dev"

func Execute() error {
	return newRootCmd().Execute()
}

type rootOptions struct {
	v          *viper.Viper
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "arunika-client",
		Short:         "Voice client for the arunika processing server",
		Long:          "arunika-client streams microphone audio to a voice processing server over a persistent websocket session and prints what the server answers.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (yaml, toml or json)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded into the environment when present")
	flags.String("server-url", "", "websocket url of the server")
	flags.String("client-id", "", "client identifier sent at handshake")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("auth-secret", "", "shared secret used to sign the bearer token")
	bindFlags(opts.v, flags, map[string]string{
		config.KeyServerURL:  "server-url",
		config.KeyClientID:   "client-id",
		config.KeyLogLevel:   "log-level",
		config.KeyAuthSecret: "auth-secret",
	})

	rootCmd.AddCommand(
		newVersionCmd(),
		newListenCmd(opts),
		newAskCmd(opts),
		newPeerCmd(opts),
	)

	return rootCmd
}

// bindFlags maps config keys to flags. A flag only overrides the other
// sources when it is set on the command line.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

// load resolves the configuration and a logger for it
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.v, o.envFile, o.configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// printer serialises output from event goroutines and the command itself
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) Printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}
