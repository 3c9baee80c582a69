package rewriter

import (
	"context"
	"os"
	"testing"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pcap-platform/pcaprewrite/rewriter/internal/extcmd"
)

// toolRunner fakes the three external tools: tshark output is canned,
// tcpprep and tcprewrite create the files their arguments name.
type toolRunner struct {
	t           *testing.T
	tsharkOut   string
	tcpprepFail bool
	calls       [][]string
}

func (m *toolRunner) Run(_ context.Context, tool string, args ...string) ([]byte, error) {
	m.calls = append(m.calls, append([]string{tool}, args...))

	switch tool {
	case "tshark":
		return []byte(m.tsharkOut), nil
	case "tcpprep":
		if m.tcpprepFail {
			return nil, &extcmd.ToolError{Tool: tool, ExitCode: 1, Stderr: "no auto mode"}
		}
		m.createFileAfter(args, "-o")
		return nil, nil
	case "tcprewrite":
		m.createFileAfter(args, "--outfile")
		return nil, nil
	}

	m.t.Fatalf("unexpected tool %q", tool)
	return nil, nil
}

func (m *toolRunner) LookPath(...string) error { return nil }

func (m *toolRunner) createFileAfter(args []string, flag string) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			require.NoError(m.t, os.WriteFile(args[i+1], []byte("data"), 0o644))
		}
	}
}

func (m *toolRunner) callsFor(tool string) [][]string {
	var out [][]string
	for _, call := range m.calls {
		if call[0] == tool {
			out = append(out, call)
		}
	}
	return out
}

// chdir changes into dir for the duration of the test, like t.Chdir in
// newer Go releases.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

// writeCapture creates a minimal but valid pcap file.
func writeCapture(t *testing.T, path string) {
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
}

func TestRunEndToEnd(t *testing.T) {
	chdir(t, t.TempDir())
	writeCapture(t, "capture.pcap")

	runner := &toolRunner{
		t:         t,
		tsharkOut: "10.0.0.5\t10.0.0.9\n10.0.0.9\t10.0.0.5\n",
	}
	cfg := validConfig()
	m := NewRewriter(cfg, "capture.pcap",
		WithLog(zaptest.NewLogger(t).Sugar()),
		WithRunner(runner),
	)

	output, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "capture_rewritten.pcap", output)
	require.FileExists(t, output)

	// Auto mode none: no pre-pass.
	require.Empty(t, runner.callsFor("tcpprep"))
	require.Len(t, runner.callsFor("tshark"), 1)

	// One bidirectional flow collapses to one pair and four passes, in
	// the fixed stage order, without a direction cache.
	rewrites := runner.callsFor("tcprewrite")
	require.Len(t, rewrites, 4)
	var mapArgs []string
	for _, call := range rewrites {
		require.NotContains(t, call, "--cachefile")
		mapArgs = append(mapArgs, call[len(call)-1])
	}
	require.Equal(t, []string{
		"--srcipmap=10.0.0.5:192.168.1.11",
		"--dstipmap=10.0.0.9:10.10.10.11",
		"--srcipmap=10.0.0.9:10.10.10.11",
		"--dstipmap=10.0.0.5:192.168.1.11",
	}, mapArgs)

	// The original input is untouched and still a valid capture.
	f, err := os.Open("capture.pcap")
	require.NoError(t, err)
	defer f.Close()
	_, err = pcapgo.NewReader(f)
	require.NoError(t, err)

	// The pairs dump was written after discovery, before rewriting.
	data, err := os.ReadFile("capture_pairs.yaml")
	require.NoError(t, err)
	require.Contains(t, string(data), "10.0.0.5,10.0.0.9")
	require.Contains(t, string(data), "192.168.1.11")
	require.Contains(t, string(data), "10.10.10.11")
	require.Contains(t, string(data), "processed: false")
}

func TestRunInvalidMACIssuesNoInvocation(t *testing.T) {
	chdir(t, t.TempDir())
	writeCapture(t, "capture.pcap")

	runner := &toolRunner{t: t}
	cfg := validConfig()
	cfg.ServerMAC = "00:11:22"
	m := NewRewriter(cfg, "capture.pcap",
		WithLog(zaptest.NewLogger(t).Sugar()),
		WithRunner(runner),
	)

	_, err := m.Run(context.Background())
	require.ErrorContains(t, err, "invalid MAC address")
	require.Empty(t, runner.calls)
}

func TestRunMissingInput(t *testing.T) {
	chdir(t, t.TempDir())

	m := NewRewriter(validConfig(), "missing.pcap",
		WithLog(zaptest.NewLogger(t).Sugar()),
		WithRunner(&toolRunner{t: t}),
	)

	_, err := m.Run(context.Background())
	require.ErrorContains(t, err, "file not found")
}

func TestRunRejectsNonCaptureInput(t *testing.T) {
	chdir(t, t.TempDir())
	require.NoError(t, os.WriteFile("capture.pcap", []byte("plain text"), 0o644))

	m := NewRewriter(validConfig(), "capture.pcap",
		WithLog(zaptest.NewLogger(t).Sugar()),
		WithRunner(&toolRunner{t: t}),
	)

	_, err := m.Run(context.Background())
	require.ErrorContains(t, err, "not a readable capture")
}

func TestRunRemovesStaleArtifacts(t *testing.T) {
	chdir(t, t.TempDir())
	writeCapture(t, "capture.pcap")
	require.NoError(t, os.WriteFile("capture_rewritten.pcap", []byte("stale"), 0o644))
	require.NoError(t, os.WriteFile("capture_temp_0_2.pcap", []byte("stale"), 0o644))

	runner := &toolRunner{t: t, tsharkOut: "10.0.0.5\t10.0.0.9\n"}
	m := NewRewriter(validConfig(), "capture.pcap",
		WithLog(zaptest.NewLogger(t).Sugar()),
		WithRunner(runner),
	)

	output, err := m.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	require.NotEqual(t, "stale", string(data))
	require.NoFileExists(t, "capture_temp_0_2.pcap")
}

func TestRunPrepassFailureDegradesUnderFirst(t *testing.T) {
	chdir(t, t.TempDir())
	writeCapture(t, "capture.pcap")

	runner := &toolRunner{
		t:           t,
		tsharkOut:   "10.0.0.5\t10.0.0.9\n",
		tcpprepFail: true,
	}
	cfg := validConfig()
	cfg.Auto = AutoFirst
	m := NewRewriter(cfg, "capture.pcap",
		WithLog(zaptest.NewLogger(t).Sugar()),
		WithRunner(runner),
	)

	_, err := m.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, runner.callsFor("tcpprep"), 1)
	for _, call := range runner.callsFor("tcprewrite") {
		require.NotContains(t, call, "--cachefile")
	}
}

func TestRunPrepassFailureFatalUnderOnly(t *testing.T) {
	chdir(t, t.TempDir())
	writeCapture(t, "capture.pcap")

	runner := &toolRunner{t: t, tcpprepFail: true}
	cfg := validConfig()
	cfg.Auto = AutoOnly
	m := NewRewriter(cfg, "capture.pcap",
		WithLog(zaptest.NewLogger(t).Sugar()),
		WithRunner(runner),
	)

	_, err := m.Run(context.Background())
	require.ErrorContains(t, err, "tcpprep failed")
	require.Empty(t, runner.callsFor("tshark"))
}

func TestRunPrepassSuccessThreadsCacheFile(t *testing.T) {
	chdir(t, t.TempDir())
	writeCapture(t, "capture.pcap")

	runner := &toolRunner{t: t, tsharkOut: "10.0.0.5\t10.0.0.9\n"}
	cfg := validConfig()
	cfg.Auto = AutoFirst
	m := NewRewriter(cfg, "capture.pcap",
		WithLog(zaptest.NewLogger(t).Sugar()),
		WithRunner(runner),
	)

	_, err := m.Run(context.Background())
	require.NoError(t, err)

	require.FileExists(t, "capture.cache")
	rewrites := runner.callsFor("tcprewrite")
	require.Len(t, rewrites, 4)
	for _, call := range rewrites {
		require.Contains(t, call, "--cachefile")
		require.Contains(t, call, "capture.cache")
	}
}

func TestRunNoPairsCopiesInput(t *testing.T) {
	chdir(t, t.TempDir())
	writeCapture(t, "capture.pcap")

	runner := &toolRunner{t: t, tsharkOut: ""}
	m := NewRewriter(validConfig(), "capture.pcap",
		WithLog(zaptest.NewLogger(t).Sugar()),
		WithRunner(runner),
	)

	output, err := m.Run(context.Background())
	require.NoError(t, err)
	require.FileExists(t, output)
	require.FileExists(t, "capture.pcap")
	require.Empty(t, runner.callsFor("tcprewrite"))
}
