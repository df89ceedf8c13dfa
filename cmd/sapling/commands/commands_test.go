package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dyluth/sapling/internal/config"
	"github.com/dyluth/sapling/internal/printer"
	"github.com/dyluth/sapling/internal/server"
	"github.com/dyluth/sapling/internal/yamltree"
	"github.com/dyluth/sapling/pkg/exchange"
	"github.com/dyluth/sapling/pkg/session"
	"github.com/dyluth/sapling/pkg/tree"
	"github.com/dyluth/sapling/pkg/wire"
)

// captureOutput points the printer at buffers for the rest of the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prevOut, prevErr, prevColor := printer.Out, printer.Err, color.NoColor
	printer.Out, printer.Err, color.NoColor = buf, buf, true
	t.Cleanup(func() {
		printer.Out, printer.Err, color.NoColor = prevOut, prevErr, prevColor
	})
	return buf
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// wideYAML returns n top-level keys, with key edit set to value.
func wideYAML(n, edit int, value string) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i == edit {
			fmt.Fprintf(&b, "key%d: %s\n", i, value)
			continue
		}
		fmt.Fprintf(&b, "key%d: value%d\n", i, i)
	}
	return b.String()
}

// TestRootCommand_ShowsHelpWhenNoSubcommand tests that the root command
// shows help instead of silently succeeding when invoked without a subcommand
func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "Usage:")
	assert.Contains(t, buf.String(), "sapling")
}

// TestRootCommand_RejectsUnknownFlags tests that unknown flags
// passed to the root command cause an error instead of being silently ignored
func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	testRoot := &cobra.Command{
		Use: "sapling",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}
	testRoot.SetArgs([]string{"--unknown-flag", "value"})
	buf := new(bytes.Buffer)
	testRoot.SetOut(buf)
	testRoot.SetErr(buf)

	err := testRoot.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestVersionCommand(t *testing.T) {
	out := captureOutput(t)
	SetVersionInfo("1.2.3", "abc123", "2026-01-01")
	rootCmd.SetArgs([]string{"version"})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "sapling 1.2.3")
	assert.Contains(t, out.String(), "commit:   abc123")
}

func TestDiffTrees(t *testing.T) {
	before, err := yamltree.Parse("wide.yml", []byte(wideYAML(200, -1, "")))
	require.NoError(t, err)
	after, err := yamltree.Parse("wide.yml", []byte(wideYAML(200, 42, "edited")))
	require.NoError(t, err)

	for _, codec := range []string{wire.CodecJSON, wire.CodecBinary} {
		t.Run(codec, func(t *testing.T) {
			c, err := wire.CodecByName(codec, false)
			require.NoError(t, err)

			res, err := diffTrees(context.Background(), before, after, c)
			require.NoError(t, err)

			printed, err := yamltree.Print(res.After)
			require.NoError(t, err)
			assert.Contains(t, string(printed), "key42: edited\n")

			stats := exchange.Summarize(res.Ops)
			assert.Equal(t, 1, stats.ByCode[exchange.OpScalar], "only the edited value is sent")
			assert.Less(t, res.Size*4, res.FullSize, "an edit is far smaller than a full send")

			var m wire.Message
			require.NoError(t, c.Unmarshal(res.Message, &m))
			assert.Equal(t, before.ID, m.Base)
			assert.Equal(t, after.ID, m.Root)
			assert.True(t, m.Final)
		})
	}
}

func TestDiffTrees_Identical(t *testing.T) {
	src := []byte("a: 1\nb: [x, y]\n")
	before, err := yamltree.Parse("same.yml", src)
	require.NoError(t, err)
	after, err := yamltree.Parse("same.yml", src)
	require.NoError(t, err)

	res, err := diffTrees(context.Background(), before, after, wire.JSON{})
	require.NoError(t, err)
	assert.Equal(t, []exchange.Op{{Code: exchange.OpUnchanged}}, res.Ops, "a re-parse of the same bytes is one unchanged op")
}

func TestDiffCommand(t *testing.T) {
	dir := t.TempDir()
	before := writeFile(t, dir, "old.yml", "name: web\nreplicas: 2\n")
	after := writeFile(t, dir, "new.yml", "name: web\nreplicas: 3\n")

	t.Run("stats", func(t *testing.T) {
		out := captureOutput(t)
		rootCmd.SetArgs([]string{"diff", "--output", "stats", "--print", before, after})
		require.NoError(t, rootCmd.Execute())

		assert.Contains(t, out.String(), "scalar=1")
		assert.Contains(t, out.String(), "full send:")
		assert.Contains(t, out.String(), "replicas: 3\n")
	})

	t.Run("invalid output", func(t *testing.T) {
		out := captureOutput(t)
		rootCmd.SetArgs([]string{"diff", "--output", "table", "--print=false", before, after})
		require.EqualError(t, rootCmd.Execute(), "invalid output format")
		assert.Contains(t, out.String(), "Valid formats: ops, stats, wire")
	})

	t.Run("missing file", func(t *testing.T) {
		captureOutput(t)
		rootCmd.SetArgs([]string{"diff", "--output", "ops", filepath.Join(dir, "nope.yml"), after})
		require.EqualError(t, rootCmd.Execute(), "cannot read file")
	})
}

func TestOutputPath(t *testing.T) {
	dir := filepath.FromSlash("/srv/received")
	tests := []struct {
		source string
		want   string
	}{
		{"deploy.yml", "/srv/received/deploy.yml"},
		{"k8s/app/deploy.yml", "/srv/received/k8s/app/deploy.yml"},
		{"../../etc/passwd", "/srv/received/etc/passwd"},
		{"/abs/x.yml", "/srv/received/abs/x.yml"},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			got, err := outputPath(dir, tt.source)
			require.NoError(t, err)
			assert.Equal(t, filepath.FromSlash(tt.want), got)
		})
	}

	_, err := outputPath(dir, "")
	assert.Error(t, err)
}

func TestFileSink(t *testing.T) {
	out := captureOutput(t)
	dir := t.TempDir()

	docs, err := yamltree.Parse("nested/app.yml", []byte("a: 1\n"))
	require.NoError(t, err)

	sink := fileSink(dir, true)
	require.NoError(t, sink(context.Background(), "s1", session.Received{Family: tree.FamilyData, Tree: docs}))

	written, err := os.ReadFile(filepath.Join(dir, "nested", "app.yml"))
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", string(written))
	assert.Contains(t, out.String(), "session s1: received nested/app.yml (1 documents)")
	assert.Contains(t, out.String(), "a: 1\n")
}

// collector is a sink that renders what it receives.
type collector struct {
	files chan string
}

func newCollector() *collector {
	return &collector{files: make(chan string, 16)}
}

func (c *collector) sink(_ context.Context, _ string, r session.Received) error {
	docs, ok := r.Tree.(*tree.Documents)
	if !ok {
		return fmt.Errorf("unexpected %s", r.Tree.Kind())
	}
	data, err := yamltree.Print(docs)
	if err != nil {
		return err
	}
	c.files <- docs.SourcePath + "\n" + string(data)
	return nil
}

func (c *collector) next(t *testing.T) string {
	t.Helper()
	select {
	case f := <-c.files:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("nothing received")
		return ""
	}
}

func TestSendAndServe_Redis(t *testing.T) {
	captureOutput(t)
	mr := miniredis.RunT(t)

	cfg := &config.SaplingConfig{
		Version:   "1.0",
		Transport: &config.TransportConfig{Kind: config.TransportRedis, RedisURL: "redis://" + mr.Addr()},
		Log:       &config.LogConfig{Level: "error"},
	}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c := newCollector()
	served := make(chan error, 1)
	go func() {
		served <- serveOne(ctx, cfg, "build-42", c.sink, zaptest.NewLogger(t), nil, nil)
	}()

	dir := t.TempDir()
	file := writeFile(t, dir, "deploy.yml", "name: web\nreplicas: 2\n")
	require.NoError(t, sendFiles(ctx, cfg, "build-42", []string{file, file}, nil, nil))

	source := filepath.ToSlash(filepath.Clean(file))
	want := source + "\nname: web\nreplicas: 2\n"
	assert.Equal(t, want, c.next(t))
	assert.Equal(t, want, c.next(t), "a resent path arrives as an edit of itself")

	select {
	case err := <-served:
		require.NoError(t, err, "serve returns when the sender closes")
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after the sender closed")
	}
}

func TestSendAndServe_Stdio(t *testing.T) {
	captureOutput(t)

	cfg := &config.SaplingConfig{
		Version:   "1.0",
		Transport: &config.TransportConfig{Kind: config.TransportStdio, Codec: wire.CodecBinary, Compress: true},
		Log:       &config.LogConfig{Level: "error"},
	}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Two pipes cross the peers' stdin and stdout.
	toServer, fromSender := io.Pipe()
	toSender, fromServer := io.Pipe()

	c := newCollector()
	served := make(chan error, 1)
	go func() {
		served <- serveOne(ctx, cfg, "pipe", c.sink, zaptest.NewLogger(t), toServer, fromServer)
	}()

	file := writeFile(t, t.TempDir(), "app.yml", "items:\n  - one\n  - two\n")
	require.NoError(t, sendFiles(ctx, cfg, "pipe", []string{file}, toSender, fromSender))

	assert.Equal(t, filepath.ToSlash(filepath.Clean(file))+"\nitems:\n  - one\n  - two\n", c.next(t))
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after the sender closed")
	}
}

func TestSend_WebSocket(t *testing.T) {
	out := captureOutput(t)
	c := newCollector()

	srv, err := server.New(server.Config{Sink: c.sink, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cfg := &config.SaplingConfig{
		Version:   "1.0",
		Transport: &config.TransportConfig{Kind: config.TransportWebSocket, URL: "ws://" + l.Addr().String() + "/sessions"},
		Log:       &config.LogConfig{Level: "error"},
	}
	require.NoError(t, cfg.Validate())

	dir := t.TempDir()
	first := writeFile(t, dir, "a.yml", "x: 1\n")
	second := writeFile(t, dir, "b.yml", "y: 2\n")

	sendRelease = true
	t.Cleanup(func() { sendRelease = false })
	require.NoError(t, sendFiles(ctx, cfg, "ws-client", []string{first, second}, nil, nil))

	assert.True(t, strings.HasSuffix(c.next(t), "\nx: 1\n"))
	assert.True(t, strings.HasSuffix(c.next(t), "\ny: 2\n"))
	assert.Contains(t, out.String(), "✓ sent "+first)
	assert.Contains(t, out.String(), "released")
}

func TestSend_UnreachablePeer(t *testing.T) {
	out := captureOutput(t)
	cfg := &config.SaplingConfig{
		Version:   "1.0",
		Transport: &config.TransportConfig{Kind: config.TransportWebSocket, URL: "ws://127.0.0.1:9/sessions"},
		Log:       &config.LogConfig{Level: "error"},
	}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	file := writeFile(t, t.TempDir(), "a.yml", "x: 1\n")
	err := sendFiles(ctx, cfg, "nobody", []string{file}, nil, nil)
	require.EqualError(t, err, "cannot reach peer")
	assert.Contains(t, out.String(), "sapling serve")
}

func TestInitCommand(t *testing.T) {
	out := captureOutput(t)
	dir := t.TempDir()

	rootCmd.SetArgs([]string{"init", "--dir", dir, "--force=false"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Initialized sapling configuration")

	_, err := config.Load(filepath.Join(dir, config.DefaultFile))
	require.NoError(t, err)

	rootCmd.SetArgs([]string{"init", "--dir", dir, "--force=false"})
	err = rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already initialized")

	rootCmd.SetArgs([]string{"init", "--dir", dir, "--force"})
	require.NoError(t, rootCmd.Execute())
}
