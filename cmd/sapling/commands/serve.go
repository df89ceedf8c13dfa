package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dyluth/sapling/internal/config"
	"github.com/dyluth/sapling/internal/metrics"
	"github.com/dyluth/sapling/internal/printer"
	"github.com/dyluth/sapling/internal/server"
	"github.com/dyluth/sapling/internal/yamltree"
	"github.com/dyluth/sapling/pkg/session"
	"github.com/dyluth/sapling/pkg/tree"
)

var (
	serveListen  string
	serveSession string
	serveOut     string
	servePrint   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive trees from peers",
	Long: `Receive trees from peers until interrupted.

websocket - Listen for peers on transport.listen; each connection is its own
            session. /healthz and /metrics are served on the same address.
redis     - Serve one session through Redis mailboxes (requires --session).
stdio     - Serve one session over stdin/stdout.

Received YAML files can be written under --out (by their source path) or
printed with --print.

Examples:
  sapling serve --listen 0.0.0.0:7411 --out ./received
  sapling serve --transport redis --session build-42 --print`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Override transport.listen for websocket")
	serveCmd.Flags().StringVarP(&serveSession, "session", "s", "", "Session id to serve (redis and stdio)")
	serveCmd.Flags().StringVar(&serveOut, "out", "", "Directory to write received files into")
	serveCmd.Flags().BoolVar(&servePrint, "print", false, "Print every received file")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Transport.Listen = serveListen
	}
	if cfg.Transport.Kind == config.TransportRedis && serveSession == "" {
		return printer.Error(
			"session id required",
			"The redis transport pairs peers by session id.",
			[]string{"Pick an id and give it to both peers:\n  sapling serve --transport redis --session <id>"},
		)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := fileSink(serveOut, servePrint)
	if cfg.Transport.Kind == config.TransportWebSocket {
		return serveWebSocket(ctx, cfg, sink, log)
	}
	return serveOne(ctx, cfg, serveSession, sink, log, os.Stdin, os.Stdout)
}

func serveWebSocket(ctx context.Context, cfg *config.SaplingConfig, sink server.Sink, log *zap.Logger) error {
	codec, err := cfg.Transport.WireCodec()
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		Addr:    cfg.Transport.Listen,
		Codec:   codec,
		Session: cfg.SessionOptions(),
		Sink:    sink,
		Logger:  log,
		Metrics: metrics.New(),
	})
	if err != nil {
		return err
	}
	printer.Step("listening on ws://%s/sessions\n", cfg.Transport.Listen)
	return srv.Run(ctx)
}

// serveOne runs a single session over a redis or stdio endpoint until the peer
// closes it or ctx ends.
func serveOne(ctx context.Context, cfg *config.SaplingConfig, sessionID string, sink server.Sink, log *zap.Logger, stdin io.Reader, stdout io.Writer) error {
	ep, err := openEndpoint(ctx, cfg, sessionID, peerReceiver, peerSender, stdin, stdout)
	if err != nil {
		return printer.ErrorWithContext(
			"cannot open transport",
			err.Error(),
			map[string]string{"Transport": cfg.Transport.Kind},
			nil,
		)
	}
	defer ep.cleanup()

	opts := cfg.SessionOptions()
	opts.ID = sessionID
	opts.Logger = log
	sess, err := session.New(ep.ch, opts)
	if err != nil {
		return err
	}
	printer.Step("serving session %s over %s\n", sess.ID(), cfg.Transport.Kind)

	err = server.Consume(ctx, sess, sink, nil)
	if err != nil && ctx.Err() == nil {
		return printer.ErrorWithContext("session failed", err.Error(), map[string]string{"Session": sess.ID()}, nil)
	}
	return nil
}

// fileSink reports every received tree and optionally writes or prints the
// files it carries.
func fileSink(dir string, show bool) server.Sink {
	return func(_ context.Context, sessionID string, r session.Received) error {
		docs, ok := r.Tree.(*tree.Documents)
		if !ok {
			printer.Step("session %s: received %s #%s\n", sessionID, r.Tree.Kind(), r.Tree.Identity().Short())
			return nil
		}
		printer.Step("session %s: received %s (%d documents)\n", sessionID, docs.SourcePath, len(docs.Documents))

		if dir == "" && !show {
			return nil
		}
		data, err := yamltree.Print(docs)
		if err != nil {
			return err
		}
		if show {
			printer.Printf("%s", data)
		}
		if dir == "" {
			return nil
		}
		dest, err := outputPath(dir, docs.SourcePath)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", dest, err)
		}
		return nil
	}
}

// outputPath maps a peer-supplied source path under dir, refusing paths that
// would escape it.
func outputPath(dir, source string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(source, "\\", "/"))
	if clean == "/" {
		return "", fmt.Errorf("received a tree without a source path")
	}
	return filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}
