package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syndro-project/syndro/internal/model"
	"github.com/syndro-project/syndro/internal/observability"
	"github.com/syndro-project/syndro/internal/ratelimit"
)

// ServicePorts is the fixed list of candidate ports a probe scan tries on
// each host, in order.
var ServicePorts = []int{8765, 8766, 8767, 8768, 8769, 8770, 50050, 50500}

const (
	probeConnectTimeout  = 500 * time.Millisecond
	metadataFetchTimeout = 800 * time.Millisecond
	batchSize            = 200
	perCycleCap          = 500
)

type syndroJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	OS       string `json:"os"`
	Platform string `json:"platform"`
	Port     int    `json:"port"`
}

// Scanner runs TCP probe scans over local subnets.
type Scanner struct {
	selfID  string
	limiter *ratelimit.ScanLimiter
	logger  *observability.Logger
	client  *http.Client
}

// NewScanner builds a scanner that rate-limits probe attempts with a
// token bucket of maxProbesPerWindow tokens refilled once per window
// (see ratelimit.NewSlidingWindowLimiter for how far that can overshoot).
func NewScanner(selfID string, maxProbesPerWindow int, window time.Duration, logger *observability.Logger) *Scanner {
	return &Scanner{
		selfID:  selfID,
		limiter: ratelimit.NewSlidingWindowLimiter(maxProbesPerWindow, window),
		logger:  logger,
		client:  &http.Client{Timeout: metadataFetchTimeout},
	}
}

// localIPv4Hosts returns every other host on every private/link-local
// IPv4 /24 this machine has an interface on, ordered nearest-first
// relative to this machine's own host-part, capped at perCycleCap.
func localIPv4Hosts() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("discovery: list interfaces: %w", err)
	}

	var hosts []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
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
			if ip4 == nil || !isPrivateOrLinkLocal(ip4) {
				continue
			}
			selfHost := int(ip4[3])
			base := fmt.Sprintf("%d.%d.%d.", ip4[0], ip4[1], ip4[2])

			candidates := make([]int, 0, 254)
			for h := 1; h <= 254; h++ {
				if h != selfHost {
					candidates = append(candidates, h)
				}
			}
			sort.Slice(candidates, func(i, j int) bool {
				di := abs(candidates[i] - selfHost)
				dj := abs(candidates[j] - selfHost)
				return di < dj
			})

			for _, h := range candidates {
				hosts = append(hosts, fmt.Sprintf("%s%d", base, h))
				if len(hosts) >= perCycleCap {
					return hosts, nil
				}
			}
		}
	}
	return hosts, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func isPrivateOrLinkLocal(ip net.IP) bool {
	if ip.IsLinkLocalUnicast() {
		return true
	}
	private := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	for _, cidr := range private {
		_, block, _ := net.ParseCIDR(cidr)
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// probeHost tries each candidate port on host, returning the first
// admitted device it finds, if any.
func (s *Scanner) probeHost(ctx context.Context, host string) (model.Device, bool) {
	for _, port := range ServicePorts {
		if !s.limiter.Allow() {
			return model.Device{}, false
		}
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
		conn, err := net.DialTimeout("tcp4", addr, probeConnectTimeout)
		if err != nil {
			continue
		}
		conn.Close()

		device, ok := s.fetchMetadata(ctx, host, port)
		if ok {
			return device, true
		}
	}
	return model.Device{}, false
}

func (s *Scanner) fetchMetadata(ctx context.Context, host string, port int) (model.Device, bool) {
	url := fmt.Sprintf("http://%s/syndro.json", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.Device{}, false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return model.Device{}, false
	}
	defer resp.Body.Close()

	var meta syndroJSON
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return model.Device{}, false
	}
	if meta.ID == "" || meta.ID == s.selfID {
		return model.Device{}, false
	}
	platform := meta.Platform
	if platform == "" {
		platform = meta.OS
	}
	return model.Device{
		ID:       meta.ID,
		Name:     meta.Name,
		Platform: model.ParsePlatform(platform),
		IP:       host,
		Port:     meta.Port,
	}, true
}

// Scan runs one full probe cycle over the local subnets, registering any
// admitted devices in registry. Hosts are probed in batches of batchSize
// with eager failure isolation via errgroup.
func (s *Scanner) Scan(ctx context.Context, registry *Registry) error {
	hosts, err := localIPv4Hosts()
	if err != nil {
		return err
	}

	for start := 0; start < len(hosts); start += batchSize {
		end := start + batchSize
		if end > len(hosts) {
			end = len(hosts)
		}
		batch := hosts[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, host := range batch {
			host := host
			g.Go(func() error {
				if device, ok := s.probeHost(gctx, host); ok {
					registry.Upsert(device)
					if s.logger != nil {
						s.logger.PeerDiscovered(device.ID, device.IP, "probe")
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// Run scans on a fixed period until stop is closed.
func (s *Scanner) Run(ctx context.Context, registry *Registry, period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	s.Scan(ctx, registry)
	for {
		select {
		case <-ticker.C:
			s.Scan(ctx, registry)
		case <-stop:
			return
		}
	}
}
