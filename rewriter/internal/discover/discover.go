package discover

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/pcap-platform/pcaprewrite/rewriter/internal/alloc"
	"github.com/pcap-platform/pcaprewrite/rewriter/internal/extcmd"
	"github.com/pcap-platform/pcaprewrite/rewriter/internal/pairs"
)

// Discovery extracts the set of communicating address pairs from a capture
// by running tshark in field-export mode and parsing its line-oriented
// output. Each new pair is immediately given replacement addresses from
// the server and client allocators.
type Discovery struct {
	runner extcmd.Runner
	tool   string
	log    *zap.SugaredLogger
}

func New(runner extcmd.Runner, tool string, log *zap.SugaredLogger) *Discovery {
	return &Discovery{
		runner: runner,
		tool:   tool,
		log:    log,
	}
}

// Pairs runs the analysis tool against the capture and returns the
// populated registry. A tool failure is fatal; malformed output lines are
// skipped with a warning.
func (m *Discovery) Pairs(ctx context.Context, pcapFile string, server, client *alloc.Allocator) (*pairs.Registry, error) {
	out, err := m.runner.Run(ctx, m.tool,
		"-r", pcapFile,
		"-T", "fields",
		"-e", "ip.src",
		"-e", "ip.dst",
		"-Y", "ip",
	)
	if err != nil {
		return nil, fmt.Errorf("pair discovery failed: %w", err)
	}

	registry := pairs.NewRegistry()
	if err := m.parse(bytes.NewReader(out), registry, server, client); err != nil {
		return nil, err
	}

	return registry, nil
}

func (m *Discovery) parse(r io.Reader, registry *pairs.Registry, server, client *alloc.Allocator) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			m.log.Warnf("skipping malformed line: %q", line)
			continue
		}

		src, dst := fields[0], fields[1]
		if _, err := netip.ParseAddr(src); err != nil {
			m.log.Warnf("skipping invalid address %q: %v", src, err)
			continue
		}
		if _, err := netip.ParseAddr(dst); err != nil {
			m.log.Warnf("skipping invalid address %q: %v", dst, err)
			continue
		}

		key := pairs.NewKey(src, dst)
		if _, ok := registry.Get(key); ok {
			continue
		}

		// Both allocators advance together so the Nth pair gets the
		// Nth address of each subnet.
		registry.Add(key, &pairs.Assignment{
			Server: server.Next().String(),
			Client: client.Next().String(),
		})
	}

	return scanner.Err()
}
