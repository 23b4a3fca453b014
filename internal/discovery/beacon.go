package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/syndro-project/syndro/internal/model"
	"github.com/syndro-project/syndro/internal/observability"
)

// beaconMessage is the wire shape of a UDP discovery beacon.
type beaconMessage struct {
	Syndro    bool   `json:"syndro"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	OS        string `json:"os"`
	Port      int    `json:"port"`
	Timestamp int64  `json:"timestamp"`
}

// BeaconSelf is the identity this node announces in its own beacons.
type BeaconSelf struct {
	ID       string
	Name     string
	Platform model.Platform
	Port     int
}

// Beacon sends and receives UDP discovery beacons.
type Beacon struct {
	self   BeaconSelf
	conn   *net.UDPConn
	logger *observability.Logger
}

// basePort is the first UDP port tried; bind retries basePort+1..basePort+maxTries.
const basePort = 8771
const maxPortTries = 5

// OpenBeacon binds a UDP socket for beacon send/receive, trying successive
// ports if basePort is busy. A bind failure here is non-fatal to the
// caller: discovery continues via TCP probe scanning alone.
func OpenBeacon(self BeaconSelf, logger *observability.Logger) (*Beacon, error) {
	var lastErr error
	for i := 0; i <= maxPortTries; i++ {
		port := basePort + i
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		if err != nil {
			lastErr = err
			continue
		}
		conn.SetReadBuffer(1 << 20)
		return &Beacon{self: self, conn: conn, logger: logger}, nil
	}
	return nil, fmt.Errorf("discovery: bind udp beacon ports %d-%d: %w", basePort, basePort+maxPortTries, lastErr)
}

// Close releases the UDP socket.
func (b *Beacon) Close() error { return b.conn.Close() }

// broadcastTargets returns 255.255.255.255 plus each local IPv4 subnet's
// broadcast address (a.b.c.255).
func broadcastTargets() []string {
	targets := map[string]struct{}{"255.255.255.255": {}}

	ifaces, err := net.Interfaces()
	if err != nil {
		return keysOf(targets)
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			bcast := make(net.IP, 4)
			mask := ipNet.Mask
			for i := range ip4 {
				bcast[i] = ip4[i] | ^mask[i]
			}
			targets[bcast.String()] = struct{}{}
		}
	}
	return keysOf(targets)
}

func keysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// sendOnce broadcasts one beacon datagram to every known broadcast target.
func (b *Beacon) sendOnce() {
	msg := beaconMessage{
		Syndro:    true,
		ID:        b.self.ID,
		Name:      b.self.Name,
		OS:        string(b.self.Platform),
		Port:      b.self.Port,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, target := range broadcastTargets() {
		addr := &net.UDPAddr{IP: net.ParseIP(target), Port: basePort}
		b.conn.WriteToUDP(data, addr)
	}
}

// RunSender emits a beacon every interval until stop is closed.
func (b *Beacon) RunSender(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	b.sendOnce()
	for {
		select {
		case <-ticker.C:
			b.sendOnce()
		case <-stop:
			return
		}
	}
}

// RunReceiver reads incoming beacons and upserts the advertising device
// into registry. Own-id and malformed datagrams are ignored. Runs until
// Close is called on the beacon (read errors then end the loop).
func (b *Beacon) RunReceiver(registry *Registry) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var msg beaconMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil || !msg.Syndro {
			continue
		}
		if msg.ID == "" || msg.ID == b.self.ID {
			continue
		}
		registry.Upsert(model.Device{
			ID:       msg.ID,
			Name:     msg.Name,
			Platform: model.ParsePlatform(msg.OS),
			IP:       addr.IP.String(),
			Port:     msg.Port,
		})
		if b.logger != nil {
			b.logger.PeerDiscovered(msg.ID, addr.IP.String(), "beacon")
		}
	}
}
