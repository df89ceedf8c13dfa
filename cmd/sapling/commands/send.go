package commands

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dyluth/sapling/internal/config"
	"github.com/dyluth/sapling/internal/printer"
	"github.com/dyluth/sapling/pkg/exchange"
	"github.com/dyluth/sapling/pkg/session"
	"github.com/dyluth/sapling/pkg/tree"
)

// Peer names used for Redis mailboxes.
const (
	peerSender   = "sender"
	peerReceiver = "receiver"
)

var (
	sendSession string
	sendURL     string
	sendRelease bool
)

var sendCmd = &cobra.Command{
	Use:   "send FILE...",
	Short: "Send YAML files to a peer",
	Long: `Parse each FILE and send it to a peer in one session.

Files are sent in order. A path given more than once is sent as an edit of its
previous version, so the peer receives only what changed.

Examples:
  # Send to the server named in sapling.yml
  sapling send deploy.yml service.yml

  # Send through Redis mailboxes, under a session id the receiver also uses
  sapling send --transport redis --session build-42 deploy.yml

  # Speak the framed protocol over stdio (e.g. through ssh)
  ssh host sapling serve -t stdio | sapling send -t stdio deploy.yml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendSession, "session", "s", "", "Session id (default: random; required to match the receiver for redis)")
	sendCmd.Flags().StringVar(&sendURL, "url", "", "Override transport.url for websocket")
	sendCmd.Flags().BoolVar(&sendRelease, "release", false, "Release every sent tree from both caches before closing")

	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if sendURL != "" {
		cfg.Transport.URL = sendURL
	}
	if sendSession == "" {
		if cfg.Transport.Kind == config.TransportRedis {
			return printer.Error(
				"session id required",
				"The redis transport pairs peers by session id.",
				[]string{"Pass the id the receiver serves:\n  sapling send --session <id> FILE..."},
			)
		}
		sendSession = uuid.NewString()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return sendFiles(ctx, cfg, sendSession, args, os.Stdin, os.Stdout)
}

// sendFiles opens one session to the configured peer and sends every path.
func sendFiles(ctx context.Context, cfg *config.SaplingConfig, sessionID string, paths []string, stdin io.Reader, stdout io.Writer) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ep, err := openEndpoint(ctx, cfg, sessionID, peerSender, peerReceiver, stdin, stdout)
	if err != nil {
		return printer.ErrorWithContext(
			"cannot reach peer",
			err.Error(),
			map[string]string{"Transport": cfg.Transport.Kind, "Session": sessionID},
			[]string{"Start a receiver first:\n  sapling serve"},
		)
	}
	defer ep.cleanup()

	tally := &tally{}
	opts := cfg.SessionOptions()
	opts.ID = sessionID
	opts.Logger = log
	opts.Observer = tally
	sess, err := session.New(ep.ch, opts)
	if err != nil {
		return err
	}
	sess.Start()
	defer sess.Close()

	var sent []tree.ID
	for _, path := range paths {
		docs, err := parseFile(path, filepath.ToSlash(filepath.Clean(path)))
		if err != nil {
			return err
		}

		tally.reset()
		start := time.Now()
		if err := sess.Send(ctx, docs); err != nil {
			return printer.ErrorWithContext(
				"send failed",
				err.Error(),
				map[string]string{"File": path, "Session": sessionID},
				nil,
			)
		}
		ops, batches := tally.totals()
		printer.Success("sent %s: %d ops in %d batches (%s)\n", path, ops, batches, time.Since(start).Round(time.Millisecond))
		sent = append(sent, docs.ID)
	}

	if sendRelease {
		for _, id := range sent {
			n, err := sess.ReleaseTree(ctx, id)
			if err != nil {
				return err
			}
			printer.Step("released %d ids under #%s\n", n, id.Short())
		}
	}
	return nil
}

// tally counts what the session sends so each file can be reported.
type tally struct {
	mu      sync.Mutex
	ops     int
	batches int
}

func (t *tally) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops, t.batches = 0, 0
}

func (t *tally) totals() (ops, batches int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops, t.batches
}

func (t *tally) ObserveOps(dir exchange.Direction, stats exchange.Stats) {
	if dir != exchange.DirSend {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops += stats.Ops
	t.batches++
}

func (t *tally) ObserveExchange(exchange.Direction, string, time.Duration) {}
func (t *tally) ObservePullBack(string)                                  {}
func (t *tally) ObserveCache(exchange.Direction, int)                    {}
