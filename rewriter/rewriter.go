package rewriter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/gobwas/glob"
	"github.com/gopacket/gopacket/pcapgo"
	"go.uber.org/zap"

	"github.com/pcap-platform/pcaprewrite/rewriter/internal/alloc"
	"github.com/pcap-platform/pcaprewrite/rewriter/internal/discover"
	"github.com/pcap-platform/pcaprewrite/rewriter/internal/extcmd"
	"github.com/pcap-platform/pcaprewrite/rewriter/internal/pairs"
	"github.com/pcap-platform/pcaprewrite/rewriter/internal/pipeline"
)

type options struct {
	Log    *zap.SugaredLogger
	Runner extcmd.Runner
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option is a function that configures the rewriter.
type Option func(*options)

// WithLog sets the logger for the rewriter.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithRunner overrides how external tools are executed.
func WithRunner(runner extcmd.Runner) Option {
	return func(o *options) {
		o.Runner = runner
	}
}

// Rewriter drives the whole anonymization sequence: validation, the
// optional tcpprep pre-pass, tshark pair discovery, registry persistence,
// the tcprewrite pipeline and the final rename.
type Rewriter struct {
	cfg    *Config
	input  string
	runner extcmd.Runner
	log    *zap.SugaredLogger

	// Artifact paths, all derived from the input file's base name and
	// created in the working directory.
	base       string
	cacheFile  string
	pairsFile  string
	outputFile string

	// haveCache flips to true once the pre-pass has written the
	// direction-classification cache.
	haveCache bool
}

func NewRewriter(cfg *Config, input string, opts ...Option) *Rewriter {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	runner := o.Runner
	if runner == nil {
		runner = extcmd.NewExecRunner(o.Log)
	}

	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))

	return &Rewriter{
		cfg:        cfg,
		input:      input,
		runner:     runner,
		log:        o.Log,
		base:       base,
		cacheFile:  base + ".cache",
		pairsFile:  base + "_pairs.yaml",
		outputFile: base + "_rewritten.pcap",
	}
}

// Run executes the full sequence and returns the output file path.
func (m *Rewriter) Run(ctx context.Context) (string, error) {
	if err := m.validate(); err != nil {
		return "", err
	}

	m.cleanupStale()

	if err := m.prepass(ctx); err != nil {
		return "", err
	}

	registry, err := m.discover(ctx)
	if err != nil {
		return "", err
	}

	m.persistPairs(registry)

	pl := pipeline.New(pipeline.Config{
		Tool:      m.cfg.Tools.Tcprewrite,
		Input:     m.input,
		Base:      m.base,
		CacheFile: m.cacheFileArg(),
		ServerMAC: m.cfg.ServerMAC,
		ClientMAC: m.cfg.ClientMAC,
	}, m.runner, m.log)

	if err := pl.Run(ctx, registry); err != nil {
		return "", err
	}

	if err := m.finalize(pl); err != nil {
		return "", err
	}

	m.log.Infof("processed %d of %d pairs in %d rewrite passes",
		pl.Processed(), registry.Len(), pl.Steps())

	return m.outputFile, nil
}

// validate covers everything that must fail before any external tool is
// invoked: config syntax, input existence, input being a readable capture
// and the required tools being resolvable.
func (m *Rewriter) validate() error {
	if err := m.cfg.Validate(); err != nil {
		return err
	}

	info, err := os.Stat(m.input)
	if err != nil {
		return fmt.Errorf("file not found: %s", m.input)
	}

	linkType, err := probeCapture(m.input)
	if err != nil {
		return fmt.Errorf("not a readable capture file: %w", err)
	}
	m.log.Infof("input %s: %s, link type %s",
		m.input, datasize.ByteSize(info.Size()).HumanReadable(), linkType)

	tools := []string{m.cfg.Tools.Tshark, m.cfg.Tools.Tcprewrite}
	if m.cfg.Auto != AutoNone {
		tools = append(tools, m.cfg.Tools.Tcpprep)
	}
	return m.runner.LookPath(tools...)
}

// probeCapture opens the file as pcap, then as pcapng, and returns the
// link type of whichever succeeds.
func probeCapture(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if r, err := pcapgo.NewReader(f); err == nil {
		return r.LinkType().String(), nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	r, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return "", err
	}
	return r.LinkType().String(), nil
}

// cleanupStale removes leftovers of a previous run: the old output file
// and any orphaned temporary files matching the temp name pattern.
func (m *Rewriter) cleanupStale() {
	if _, err := os.Stat(m.outputFile); err == nil {
		m.log.Infof("removing stale output file %s", m.outputFile)
		if err := os.Remove(m.outputFile); err != nil {
			m.log.Warnf("failed to remove stale output: %v", err)
		}
	}

	g, err := glob.Compile(m.base + "_temp_*.pcap")
	if err != nil {
		return
	}
	entries, err := os.ReadDir(".")
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !g.Match(entry.Name()) {
			continue
		}
		m.log.Infof("removing stale temporary file %s", entry.Name())
		if err := os.Remove(entry.Name()); err != nil {
			m.log.Warnf("failed to remove stale temporary file: %v", err)
		}
	}
}

// prepass runs tcpprep to build the direction-classification cache. Under
// AutoFirst a failure is degraded, not fatal: the rewrite tool will use
// its own heuristics instead.
func (m *Rewriter) prepass(ctx context.Context) error {
	if m.cfg.Auto == AutoNone {
		return nil
	}

	_, err := m.runner.Run(ctx, m.cfg.Tools.Tcpprep,
		"-i", m.input,
		"-o", m.cacheFile,
		"-a", "first",
	)
	if err != nil {
		if m.cfg.Auto == AutoOnly {
			return fmt.Errorf("tcpprep failed: %w", err)
		}
		m.log.Warnf("tcpprep failed, proceeding without a direction cache: %v", err)
		return nil
	}

	m.haveCache = true
	m.log.Info("tcpprep completed successfully")
	return nil
}

func (m *Rewriter) cacheFileArg() string {
	if !m.haveCache {
		return ""
	}
	return m.cacheFile
}

func (m *Rewriter) discover(ctx context.Context) (*pairs.Registry, error) {
	m.log.Info("identifying client/server pairs")

	server := alloc.New(m.cfg.ServerPrefix(), m.log)
	client := alloc.New(m.cfg.ClientPrefix(), m.log)

	d := discover.New(m.runner, m.cfg.Tools.Tshark, m.log)
	registry, err := d.Pairs(ctx, m.input, server, client)
	if err != nil {
		return nil, err
	}

	m.log.Infof("discovered %d address pairs", registry.Len())
	return registry, nil
}

// persistPairs dumps the registry for inspection. The dump is diagnostic
// only; a write failure is logged, never fatal.
func (m *Rewriter) persistPairs(registry *pairs.Registry) {
	if err := registry.Save(m.pairsFile); err != nil {
		m.log.Warnf("failed to save pairs file: %v", err)
		return
	}
	m.log.Infof("server-client pairs saved to %s", m.pairsFile)
}

// finalize turns the newest chain file into the output. When no rewrite
// pass ran the chain still points at the input, which must stay untouched,
// so the output becomes a plain copy.
func (m *Rewriter) finalize(pl *pipeline.Pipeline) error {
	last := pl.Current()

	if last == m.input {
		m.log.Warn("no pairs were rewritten, copying input as-is")
		if err := copyFile(m.input, m.outputFile); err != nil {
			return fmt.Errorf("failed to produce output file: %w", err)
		}
	} else {
		if _, err := os.Stat(last); err != nil {
			return errors.New("final temporary file not found, rewriting failed")
		}
		if err := os.Rename(last, m.outputFile); err != nil {
			return fmt.Errorf("failed to rename final temporary file: %w", err)
		}
	}

	if info, err := os.Stat(m.outputFile); err == nil {
		m.log.Infof("rewritten pcap file saved to %s (%s)",
			m.outputFile, datasize.ByteSize(info.Size()).HumanReadable())
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
