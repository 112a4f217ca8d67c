// Package capture attaches to a network interface, classifies observed TCP
// packets as local-to-remote flows, drives handshake timing, and emits
// high-level events for the analysis pipeline.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"

	"github.com/ringtrace/ringtrace/internal/conntrack"
	"github.com/ringtrace/ringtrace/internal/eventbus"
	"github.com/ringtrace/ringtrace/internal/metrics"
	"github.com/ringtrace/ringtrace/internal/rtt"
)

// TCP flag bits, matching the wire format.
const (
	flagFIN uint8 = 0x01
	flagSYN uint8 = 0x02
	flagRST uint8 = 0x04
	flagACK uint8 = 0x10
)

// packetSource abstracts gopacket's live-capture handle so the run loop can
// be exercised in tests against a canned packet sequence.
type packetSource interface {
	Packets() <-chan gopacket.Packet
	Close()
}

type pcapSource struct {
	handle *pcap.Handle
}

func (p pcapSource) Packets() <-chan gopacket.Packet {
	return gopacket.NewPacketSource(p.handle, p.handle.LinkType()).Packets()
}

func (p pcapSource) Close() { p.handle.Close() }

// Observer captures TCP/IPv4 traffic, maintains the connection table, and
// feeds the RTT tracker and event bus. Its lifecycle mirrors the worker
// pattern used across this codebase: Start launches a background goroutine,
// Stop cancels it and waits for the run loop to exit.
type Observer struct {
	log   *slog.Logger
	iface string
	ports []int

	conns      *conntrack.Table
	rttTracker *rtt.Tracker
	bus        *eventbus.Bus

	localIPs map[string]struct{}
	localMu  sync.RWMutex

	openSource func(iface, filter string) (packetSource, error)

	running  atomic.Bool
	cancel   context.CancelFunc
	cancelMu sync.RWMutex
	wg       sync.WaitGroup
}

// New builds an Observer. Call Start to begin capturing.
func New(log *slog.Logger, iface string, ports []int, conns *conntrack.Table, rttTracker *rtt.Tracker, bus *eventbus.Bus) *Observer {
	o := &Observer{
		log:        log,
		iface:      iface,
		ports:      ports,
		conns:      conns,
		rttTracker: rttTracker,
		bus:        bus,
		localIPs:   make(map[string]struct{}),
	}
	o.openSource = o.openLivePcap
	o.detectLocalIPs()
	return o
}

func (o *Observer) openLivePcap(iface, filter string) (packetSource, error) {
	if iface == "" {
		devs, err := pcap.FindAllDevs()
		if err != nil {
			return nil, fmt.Errorf("auto-select capture interface: %w", err)
		}
		if len(devs) == 0 {
			return nil, fmt.Errorf("auto-select capture interface: no devices found")
		}
		iface = devs[0].Name
	}
	handle, err := pcap.OpenLive(iface, 1600, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("open interface %q: %w", iface, err)
	}
	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("set bpf filter %q: %w", filter, err)
		}
	}
	return pcapSource{handle: handle}, nil
}

// detectLocalIPs enumerates every address bound to every local interface,
// plus the loopback addresses, and records them as "local" for the
// purposes of remote/local packet classification.
func (o *Observer) detectLocalIPs() {
	o.localMu.Lock()
	defer o.localMu.Unlock()

	o.localIPs["127.0.0.1"] = struct{}{}
	o.localIPs["::1"] = struct{}{}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		o.localIPs[ipNet.IP.String()] = struct{}{}
	}
}

// isLocal reports whether ip belongs to this host, or falls within a
// private range treated as effectively local: 127.0.0.0/8, 10.0.0.0/8,
// 192.168.0.0/16, 172.16.0.0/12.
func (o *Observer) isLocal(ip string) bool {
	if strings.HasPrefix(ip, "127.") || strings.HasPrefix(ip, "10.") || strings.HasPrefix(ip, "192.168.") {
		return true
	}
	if strings.HasPrefix(ip, "172.") {
		parts := strings.Split(ip, ".")
		if len(parts) > 1 {
			if second, err := strconv.Atoi(parts[1]); err == nil && second >= 16 && second <= 31 {
				return true
			}
		}
	}
	o.localMu.RLock()
	_, ok := o.localIPs[ip]
	o.localMu.RUnlock()
	return ok
}

func (o *Observer) buildFilter() string {
	if len(o.ports) == 0 {
		return "tcp"
	}
	conds := make([]string, len(o.ports))
	for i, p := range o.ports {
		conds[i] = fmt.Sprintf("port %d", p)
	}
	return "tcp and (" + strings.Join(conds, " or ") + ")"
}

// Start launches the capture loop if not already running.
func (o *Observer) Start(ctx context.Context) {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancelMu.Lock()
	o.cancel = cancel
	o.cancelMu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Run(ctx)
		o.running.Store(false)
	}()
}

// Stop cancels the capture loop, if running, and waits for it to exit.
func (o *Observer) Stop() {
	o.cancelMu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.cancelMu.Unlock()
	o.wg.Wait()
}

// IsRunning reports whether the capture loop is active.
func (o *Observer) IsRunning() bool {
	return o.running.Load()
}

// Run opens the capture source and processes packets until ctx is
// canceled or the source errors out. Capture errors stop the observer and
// are logged; they never propagate as a panic.
func (o *Observer) Run(ctx context.Context) {
	src, err := o.openSource(o.iface, o.buildFilter())
	if err != nil {
		o.log.Error("capture: failed to open interface", "interface", o.iface, "error", err)
		return
	}
	defer src.Close()

	o.log.Info("capture: observer started", "interface", o.iface, "ports", o.ports)

	packets := src.Packets()
	for {
		select {
		case <-ctx.Done():
			o.log.Debug("capture: observer stopped", "error", ctx.Err())
			return
		case packet, ok := <-packets:
			if !ok {
				o.log.Info("capture: packet source closed")
				return
			}
			o.processPacket(packet)
		}
	}
}

func (o *Observer) processPacket(packet gopacket.Packet) {
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if ipLayer == nil || tcpLayer == nil {
		return
	}
	ip, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok {
		return
	}

	var flags uint8
	if tcp.SYN {
		flags |= flagSYN
	}
	if tcp.ACK {
		flags |= flagACK
	}
	if tcp.FIN {
		flags |= flagFIN
	}
	if tcp.RST {
		flags |= flagRST
	}

	o.HandlePacket(ip.SrcIP.String(), int(tcp.SrcPort), ip.DstIP.String(), int(tcp.DstPort), flags, len(packet.Data()))
}

// HandlePacket applies flow classification and the handshake state machine
// to one decoded TCP/IPv4 packet. It is exported so capture logic can be
// exercised without a live pcap handle.
func (o *Observer) HandlePacket(srcIP string, srcPort int, dstIP string, dstPort int, flags uint8, length int) {
	metrics.PacketsObserved.Inc()

	localSrc := o.isLocal(srcIP)
	localDst := o.isLocal(dstIP)
	if localSrc == localDst {
		return
	}

	var remoteIP string
	if localSrc {
		remoteIP = dstIP
	} else {
		remoteIP = srcIP
	}

	key := conntrack.NewKey(srcIP, srcPort, dstIP, dstPort)

	isNew := o.conns.Upsert(key, length)
	if isNew {
		metrics.ConnectionsTracked.Inc()
		if !o.bus.Publish(eventbus.Event{Type: eventbus.NewConnection, Peer: remoteIP}) {
			metrics.EventsDropped.WithLabelValues("capture").Inc()
		}
	}

	switch {
	case flags&flagSYN != 0 && flags&flagACK == 0:
		o.rttTracker.RecordSyn(srcIP, srcPort, dstIP, dstPort)
		o.conns.Advance(key, conntrack.StateSynSent)

	case flags&flagSYN != 0 && flags&flagACK != 0:
		rttMS, ok := o.rttTracker.RecordSynAck(srcIP, srcPort, dstIP, dstPort)
		o.conns.Advance(key, conntrack.StateSynAckReceived)
		if ok {
			if !o.bus.Publish(eventbus.Event{Type: eventbus.RTTUpdate, Peer: srcIP, TCPRTT: rttMS}) {
				metrics.EventsDropped.WithLabelValues("capture").Inc()
			}
		}

	case flags&flagACK != 0:
		if conn, ok := o.conns.Get(key); ok && conn.State == conntrack.StateSynAckReceived {
			o.conns.Advance(key, conntrack.StateEstablished)
		}
	}

	if flags&flagFIN != 0 || flags&flagRST != 0 {
		o.conns.Advance(key, conntrack.StateClosed)
	}
}
