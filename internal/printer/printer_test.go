package printer

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/sapling/pkg/exchange"
)

// capture redirects Out and Err and disables colors for the duration of a test.
func capture(t *testing.T) (out, errOut *bytes.Buffer) {
	t.Helper()
	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr, prevColor := Out, Err, color.NoColor
	Out, Err, color.NoColor = out, errOut, true
	t.Cleanup(func() {
		Out, Err, color.NoColor = prevOut, prevErr, prevColor
	})
	return out, errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "This is a test error", nil)
		require.EqualError(t, err, "Test Error")
		assert.Equal(t, "Test Error\n\nThis is a test error\n", errOut.String())
	})

	t.Run("single suggestion is printed bare", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "Explanation", []string{"Try this fix"})
		require.EqualError(t, err, "Test Error")
		assert.Contains(t, errOut.String(), "\nTry this fix\n")
		assert.NotContains(t, errOut.String(), "Either:")
	})

	t.Run("multiple suggestions are numbered", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "Explanation", []string{"First option", "Second option"})
		require.EqualError(t, err, "Test Error")
		assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext(t *testing.T) {
	_, errOut := capture(t)
	details := map[string]string{
		"Session":  "s-1",
		"Exchange": "01HZX",
	}
	err := ErrorWithContext("Send failed", "", details, []string{"Fix it"})
	require.EqualError(t, err, "Send failed")
	assert.Equal(t, "Send failed\n\n\n  Exchange: 01HZX\n  Session: s-1\n\nFix it\n", errOut.String())
}

func TestOps(t *testing.T) {
	out, _ := capture(t)
	Ops([]exchange.Op{
		{Code: exchange.OpChange, NodeKind: "data.Mapping", ID: "m"},
		{Code: exchange.OpScalar, Value: "v2"},
		{Code: exchange.OpUnchanged},
	})
	assert.Equal(t,
		"   0  change data.Mapping #m\n"+
			"   1  scalar \"v2\"\n"+
			"   2  unchanged\n",
		out.String())
}

func TestStats(t *testing.T) {
	out, _ := capture(t)
	ops := []exchange.Op{
		{Code: exchange.OpChange, ID: "m"},
		{Code: exchange.OpList, List: []exchange.ListEntry{
			{Action: exchange.ListKeep, ID: "a", Run: 3},
			{Action: exchange.ListAdd, ID: "b", From: -1, To: 3},
		}},
		{Code: exchange.OpUnchanged},
	}
	Stats(exchange.Summarize(ops), 120)
	assert.Equal(t, "3 ops (change=1 list=1 unchanged=1), list entries (add=1 keep=3), 120 bytes\n", out.String())
}

func TestSuccess(t *testing.T) {
	out, _ := capture(t)
	Success("sent %d trees\n", 2)
	Success("✓ already prefixed\n")
	assert.Equal(t, "✓ sent 2 trees\n✓ already prefixed\n", out.String())
}
