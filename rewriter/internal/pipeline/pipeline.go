package pipeline

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/pcap-platform/pcaprewrite/rewriter/internal/extcmd"
	"github.com/pcap-platform/pcaprewrite/rewriter/internal/pairs"
)

type role int

const (
	roleServer role = iota
	roleClient
)

// stage describes one tcprewrite pass: which address map flag it uses and
// which side of the pair feeds the mapping.
type stage struct {
	name string
	flag string
	role role
}

// Every pair goes through the same four passes in this exact order,
// covering both addresses in both packet directions.
var stages = []stage{
	{name: "server as source", flag: "--srcipmap", role: roleServer},
	{name: "client as destination", flag: "--dstipmap", role: roleClient},
	{name: "client as source", flag: "--srcipmap", role: roleClient},
	{name: "server as destination", flag: "--dstipmap", role: roleServer},
}

// Config holds the fixed inputs of a rewrite pipeline.
type Config struct {
	// Tool is the tcprewrite binary.
	Tool string
	// Input is the original capture; it is never deleted.
	Input string
	// Base prefixes every temporary file name.
	Base string
	// CacheFile is the direction-classification cache; empty when no
	// pre-pass produced one, in which case the tool falls back to its
	// own direction heuristics.
	CacheFile string
	// ServerMAC and ClientMAC are the destination MAC addresses written
	// into client-bound and server-bound frames respectively.
	ServerMAC string
	ClientMAC string
}

// Pipeline rewrites a capture pair by pair. Each pass reads the previous
// pass's output and writes a fresh temporary file, deleting the file it
// consumed; only the most recent temporary file survives. The step counter
// is never reset, so every temporary file name is unique within a run.
type Pipeline struct {
	cfg    Config
	runner extcmd.Runner
	log    *zap.SugaredLogger

	current   string
	step      int
	processed int
}

func New(cfg Config, runner extcmd.Runner, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		runner:  runner,
		log:     log,
		current: cfg.Input,
	}
}

// Run rewrites every unprocessed registry entry in discovery order. On a
// tool failure the run aborts immediately; temporary files of the failed
// pair are deliberately left in place for inspection.
func (m *Pipeline) Run(ctx context.Context, registry *pairs.Registry) error {
	for _, key := range registry.Keys() {
		assignment, ok := registry.Get(key)
		if !ok || assignment.Processed {
			continue
		}

		m.log.Infof("rewriting pair %s -> server %s, client %s",
			key, assignment.Server, assignment.Client)

		if err := m.rewritePair(ctx, key, assignment); err != nil {
			return err
		}

		assignment.Processed = true
		m.processed++
	}

	return nil
}

func (m *Pipeline) rewritePair(ctx context.Context, key pairs.Key, assignment *pairs.Assignment) error {
	// Canonical key order puts the server side first, matching the role
	// split made at discovery time.
	origServer, origClient := key.Lo, key.Hi

	for _, s := range stages {
		tempFile := fmt.Sprintf("%s_temp_%d_%d.pcap", m.cfg.Base, m.processed, m.step)
		m.step++

		var mapping string
		switch s.role {
		case roleServer:
			mapping = origServer + ":" + assignment.Server
		case roleClient:
			mapping = origClient + ":" + assignment.Client
		}

		args := []string{
			"--infile", m.current,
			"--outfile", tempFile,
			"--enet-dmac=" + m.cfg.ClientMAC + "," + m.cfg.ServerMAC,
			"--skipbroadcast",
			"--fixcsum",
			s.flag + "=" + mapping,
		}
		if m.cfg.CacheFile != "" {
			args = append(args, "--cachefile", m.cfg.CacheFile)
		}

		if _, err := m.runner.Run(ctx, m.cfg.Tool, args...); err != nil {
			return fmt.Errorf("rewrite pass %q for pair %s failed: %w", s.name, key, err)
		}

		if m.current != m.cfg.Input {
			if err := os.Remove(m.current); err != nil {
				return fmt.Errorf("failed to remove temporary file: %w", err)
			}
		}
		m.current = tempFile
	}

	return nil
}

// Current returns the newest file in the temporary chain; before any pass
// has run it is the original input.
func (m *Pipeline) Current() string {
	return m.current
}

// Processed returns the number of fully rewritten pairs.
func (m *Pipeline) Processed() int {
	return m.processed
}

// Steps returns the number of rewrite passes issued.
func (m *Pipeline) Steps() int {
	return m.step
}
