// Package replay feeds packets from a pcap capture into the dataplane
// worker pool, standing in for the forwarder graph that would dispatch
// live buffers into the node.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/dantte-lp/goacl/internal/acl"
)

// frameSize is the number of buffers batched into one frame before it
// is handed to a worker.
const frameSize = 64

// enqueueRetryDelay is the backoff when a worker queue is full.
const enqueueRetryDelay = time.Millisecond

// ErrNotEthernet indicates a capture whose link type the replayer
// cannot parse.
var ErrNotEthernet = errors.New("pcap link type is not ethernet")

// Source replays a pcap file through the dataplane.
type Source struct {
	dp      *acl.Dataplane
	logger  *slog.Logger
	path    string
	ifIndex uint32
	l2      bool
	loop    bool
}

// New creates a replay source. Packets are stamped with ifIndex as
// their ingress interface and enter the input nodes; l2 selects the
// L2-path entry points, otherwise the Ethernet header is skipped and
// packets enter on the L3 path.
func New(dp *acl.Dataplane, logger *slog.Logger, path string, ifIndex uint32, l2, loop bool) *Source {
	return &Source{
		dp:      dp,
		logger:  logger.With(slog.String("component", "replay")),
		path:    path,
		ifIndex: ifIndex,
		l2:      l2,
		loop:    loop,
	}
}

// Run replays the capture until EOF (or forever when looping) or
// until ctx is cancelled. Each packet becomes one buffer; buffers are
// batched into frames per target worker so a flow's packets stay in
// order on its worker.
func (s *Source) Run(ctx context.Context) error {
	for {
		if err := s.replayOnce(ctx); err != nil {
			return err
		}
		if !s.loop || ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Source) replayOnce(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open pcap %s: %w", s.path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("read pcap %s: %w", s.path, err)
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		return fmt.Errorf("pcap %s link type %v: %w", s.path, r.LinkType(), ErrNotEthernet)
	}

	// Batches are keyed by (worker, ip version) so every frame maps
	// to exactly one entry node.
	type batchKey struct {
		worker uint16
		ip6    bool
	}
	batches := make(map[batchKey][]*acl.Buffer)
	packets := 0

	for ctx.Err() == nil {
		data, _, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read packet from %s: %w", s.path, err)
		}

		b, ip6, ok := s.bufferFor(data)
		if !ok {
			continue
		}
		packets++

		bk := batchKey{worker: s.workerFor(b, ip6), ip6: ip6}
		batches[bk] = append(batches[bk], b)
		if len(batches[bk]) >= frameSize {
			s.flush(ctx, bk.worker, bk.ip6, batches[bk])
			batches[bk] = nil
		}
	}

	for bk, bufs := range batches {
		if len(bufs) > 0 {
			s.flush(ctx, bk.worker, bk.ip6, bufs)
		}
	}

	s.logger.Info("replay finished",
		slog.String("path", s.path),
		slog.Int("packets", packets),
	)
	return ctx.Err()
}

// bufferFor converts raw capture bytes into a dataplane buffer,
// reporting the IP version and whether the packet is IP at all.
func (s *Source) bufferFor(data []byte) (*acl.Buffer, bool, bool) {
	if len(data) < 14 {
		return nil, false, false
	}
	etype := uint16(data[12])<<8 | uint16(data[13])

	var (
		ip6    bool
		offset int
	)
	switch etype {
	case uint16(layers.EthernetTypeIPv4):
		ip6 = false
	case uint16(layers.EthernetTypeIPv6):
		ip6 = true
	default:
		return nil, false, false
	}
	if !s.l2 {
		offset = 14
	}

	return &acl.Buffer{
		Data:      data,
		Offset:    offset,
		RxIfIndex: s.ifIndex,
	}, ip6, true
}

func (s *Source) workerFor(b *acl.Buffer, ip6 bool) uint16 {
	var fp acl.Fingerprint
	acl.Extract(b, ip6, true, s.l2, &fp)
	fp.IfIndexLSB = uint16(s.ifIndex)
	key, _ := acl.MakeSessionKey(&fp)
	return s.dp.WorkerForKey(key)
}

// flush enqueues one frame, retrying with a small backoff while the
// worker queue is full.
func (s *Source) flush(ctx context.Context, worker uint16, ip6 bool, bufs []*acl.Buffer) {
	node := s.dp.Node(ip6, true, s.l2)
	frame := &acl.Frame{Buffers: bufs}
	w := s.dp.Workers()[worker]
	for ctx.Err() == nil {
		if w.Enqueue(node, frame) {
			return
		}
		time.Sleep(enqueueRetryDelay)
	}
}

