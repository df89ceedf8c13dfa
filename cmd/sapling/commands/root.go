package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dyluth/sapling/internal/config"
	"github.com/dyluth/sapling/internal/logging"
	"github.com/dyluth/sapling/internal/printer"
	"github.com/dyluth/sapling/pkg/channel"
)

var (
	version string
	commit  string
	date    string
)

var (
	configPath   string
	logLevel     string
	logFormat    string
	transportArg string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sapling",
	Short: "Sapling - incremental tree exchange between peers",
	Long: `Sapling exchanges parsed source trees between two peers.

After the first full send, each new version of a tree travels as a stream of
edit operations against what the peer already holds, so a one-line change to a
large file costs a handful of operations.

Peers connect over WebSocket, Redis mailboxes or stdio.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log.format (console or json)")
	rootCmd.PersistentFlags().StringVarP(&transportArg, "transport", "t", "", "Override transport.kind (websocket, redis or stdio)")
}

// loadConfig reads the configuration file and applies flag overrides. A missing
// file is only an error when --config was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.SaplingConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || cmd.Flags().Changed("config") {
			return nil, printer.ErrorWithContext(
				"invalid configuration",
				err.Error(),
				map[string]string{"Config": configPath},
				[]string{"Fix the file, or run without --config to use the defaults"},
			)
		}
		cfg = config.Default()
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if transportArg != "" {
		cfg.Transport.Kind = transportArg
	}
	if err := cfg.Validate(); err != nil {
		return nil, printer.Error("invalid configuration", err.Error(), nil)
	}
	if cfg.Transport.Kind == config.TransportStdio {
		// stdout carries frames.
		printer.Out = os.Stderr
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs always go to stderr so stdout stays
// free for command output and the stdio transport.
func newLogger(cfg *config.SaplingConfig) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Trace:  cfg.Exchange.Trace,
	}, os.Stderr)
}

// endpoint is one end of a transport opened from configuration.
type endpoint struct {
	ch      channel.Channel
	cleanup func()
}

// openEndpoint connects self to peer for a client-side transport. The websocket
// kind dials the server; the server side of websocket lives in the serve command.
func openEndpoint(ctx context.Context, cfg *config.SaplingConfig, sessionID, self, peer string, stdin io.Reader, stdout io.Writer) (*endpoint, error) {
	codec, err := cfg.Transport.WireCodec()
	if err != nil {
		return nil, err
	}

	switch cfg.Transport.Kind {
	case config.TransportWebSocket:
		url := cfg.Transport.URL
		if sessionID != "" {
			url += "?session=" + sessionID
		}
		ws, err := channel.DialWebSocket(ctx, url, codec)
		if err != nil {
			return nil, err
		}
		return &endpoint{ch: ws, cleanup: func() {}}, nil

	case config.TransportRedis:
		rdb, err := dialRedis(ctx, cfg.Transport.RedisURL)
		if err != nil {
			return nil, err
		}
		r, err := channel.NewRedis(rdb, cfg.Transport.Namespace, sessionID, self, peer, codec)
		if err != nil {
			rdb.Close()
			return nil, err
		}
		return &endpoint{ch: r, cleanup: func() { rdb.Close() }}, nil

	case config.TransportStdio:
		return &endpoint{ch: channel.NewStdio(stdin, stdout, codec), cleanup: func() {}}, nil

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport.Kind)
	}
}

func dialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis_url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}
