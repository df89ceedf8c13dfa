package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dyluth/sapling/internal/printer"
	"github.com/dyluth/sapling/internal/yamltree"
	"github.com/dyluth/sapling/pkg/exchange"
	"github.com/dyluth/sapling/pkg/tree"
	"github.com/dyluth/sapling/pkg/wire"
)

var (
	diffSource   string
	diffOutput   string
	diffCodec    string
	diffCompress bool
	diffPrint    bool
)

var diffCmd = &cobra.Command{
	Use:   "diff BEFORE AFTER",
	Short: "Show the operation stream that turns one YAML file into another",
	Long: `Encode AFTER against BEFORE exactly as a session would, decode it again
against a separate cache and verify the reconstruction matches AFTER.

Both files are parsed under one source path (--source, default: AFTER's file
name) so that nodes at the same position share ids.

Output Formats:
  ops   - One line per operation, followed by counts and sizes (default)
  stats - Counts and sizes only
  wire  - The encoded batch message, for piping into other tools

Examples:
  # What changed, operation by operation
  sapling diff deploy.old.yml deploy.yml

  # Compare wire sizes of the binary codec with compression
  sapling diff --output stats --codec binary --compress old.yml new.yml`,
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

func init() {
	diffCmd.Flags().StringVar(&diffSource, "source", "", "Source path both files are parsed under (default: AFTER's file name)")
	diffCmd.Flags().StringVarP(&diffOutput, "output", "o", "ops", "Output format: ops, stats or wire")
	diffCmd.Flags().StringVar(&diffCodec, "codec", wire.CodecJSON, "Wire codec used for size reporting: json or binary")
	diffCmd.Flags().BoolVar(&diffCompress, "compress", false, "Compress the encoded message with zstd")
	diffCmd.Flags().BoolVar(&diffPrint, "print", false, "Print the reconstructed YAML")

	rootCmd.AddCommand(diffCmd)
}

func runDiff(cmd *cobra.Command, args []string) error {
	switch diffOutput {
	case "ops", "stats", "wire":
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", diffOutput),
			[]string{"Valid formats: ops, stats, wire"},
		)
	}
	codec, err := wire.CodecByName(diffCodec, diffCompress)
	if err != nil {
		return printer.Error("invalid codec", err.Error(), nil)
	}

	source := diffSource
	if source == "" {
		source = filepath.Base(args[1])
	}
	before, err := parseFile(args[0], source)
	if err != nil {
		return err
	}
	after, err := parseFile(args[1], source)
	if err != nil {
		return err
	}

	res, err := diffTrees(cmd.Context(), before, after, codec)
	if err != nil {
		return printer.ErrorWithContext(
			"diff failed",
			err.Error(),
			map[string]string{"Before": args[0], "After": args[1]},
			nil,
		)
	}

	switch diffOutput {
	case "wire":
		_, err := printer.Out.Write(res.Message)
		return err
	case "ops":
		printer.Ops(res.Ops)
	}
	printer.Stats(exchange.Summarize(res.Ops), res.Size)
	printer.Info("full send: %d ops, %d bytes\n", len(res.Full), res.FullSize)

	if diffPrint {
		out, err := yamltree.Print(res.After)
		if err != nil {
			return err
		}
		printer.Printf("%s", out)
	}
	return nil
}

// parseFile reads a YAML file and parses it under source.
func parseFile(path, source string) (*tree.Documents, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, printer.Error(
			"cannot read file",
			err.Error(),
			[]string{"Check the path and permissions"},
		)
	}
	docs, err := yamltree.Parse(source, data)
	if err != nil {
		return nil, printer.ErrorWithContext("cannot parse YAML", err.Error(), map[string]string{"File": path}, nil)
	}
	return docs, nil
}

// diffResult is everything diff reports about one edit.
type diffResult struct {
	Full     []exchange.Op   // Initial send of before
	Ops      []exchange.Op   // before -> after
	After    *tree.Documents // Receiver's reconstruction
	FullSize int
	Size     int
	Message  []byte // Encoded batch carrying Ops
}

// diffTrees plays both sides of two exchanges in process: a full send of before
// and the edit to after. Each side keeps its own cache, as two peers would.
func diffTrees(ctx context.Context, before, after *tree.Documents, codec wire.Codec) (*diffResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	reg := exchange.DefaultRegistry()
	fp, err := exchange.NewFingerprinter(reg, 0)
	if err != nil {
		return nil, err
	}
	out, in := exchange.NewCache(), exchange.NewCache()

	step := func(from, to tree.Node, base tree.Node) ([]exchange.Op, tree.Node, error) {
		send := &exchange.State{Registry: reg, Stage: out.Stage(), Fingerprints: fp}
		ops, err := exchange.Encode(ctx, send, from, to)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode: %w", err)
		}
		recv := &exchange.State{Registry: reg, Stage: in.Stage()}
		got, err := exchange.Decode(ctx, recv, base, ops)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decode: %w", err)
		}
		send.Stage.Commit()
		recv.Stage.Commit()
		return ops, got, nil
	}

	full, base, err := step(nil, before, nil)
	if err != nil {
		return nil, err
	}
	ops, got, err := step(before, after, base)
	if err != nil {
		return nil, err
	}

	docs, ok := got.(*tree.Documents)
	if !ok {
		return nil, fmt.Errorf("decoded a %s, expected %s", got.Kind(), tree.KindDocuments)
	}
	want, err := yamltree.Print(after)
	if err != nil {
		return nil, err
	}
	have, err := yamltree.Print(docs)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(want, have) {
		return nil, fmt.Errorf("reconstruction does not match %s", after.SourcePath)
	}

	res := &diffResult{Full: full, Ops: ops, After: docs}
	fullMsg, err := codec.Marshal(batch(before, nil, full))
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if res.Message, err = codec.Marshal(batch(after, before, ops)); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	res.FullSize, res.Size = len(fullMsg), len(res.Message)
	return res, nil
}

// batch wraps ops in the single final batch message a session would send.
func batch(root, base tree.Node, ops []exchange.Op) *wire.Message {
	m := wire.New(wire.TypeBatch)
	m.Exchange = wire.NewID()
	m.Root = root.Identity()
	m.Kind = root.Kind()
	if base != nil {
		m.Base = base.Identity()
	}
	m.Ops = ops
	m.Final = true
	return m
}
