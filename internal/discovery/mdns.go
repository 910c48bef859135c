package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

const DefaultService = "_ntp._udp"

type Config struct {
	Service  string
	Domain   string
	Timeout  time.Duration // how long each query listens for answers
	Interval time.Duration // pause between queries
}

// Browser looks for NTP servers announced over mDNS and reports each new
// endpoint once.
type Browser struct {
	config Config
	logger *zap.SugaredLogger
	found  chan string
	seen   map[string]bool
}

func NewBrowser(config Config, logger *zap.Logger) *Browser {
	if config.Service == "" {
		config.Service = DefaultService
	}
	if config.Domain == "" {
		config.Domain = "local"
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{
		config: config,
		logger: logger.Sugar(),
		found:  make(chan string, 10),
		seen:   map[string]bool{},
	}
}

// Endpoints is closed when Run returns.
func (b *Browser) Endpoints() <-chan string {
	return b.found
}

// Run queries until ctx is cancelled.
func (b *Browser) Run(ctx context.Context) {
	defer close(b.found)

	for {
		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for entry := range entries {
				b.offer(ctx, entry)
			}
		}()

		params := mdns.DefaultParams(b.config.Service)
		params.Domain = b.config.Domain
		params.Timeout = b.config.Timeout
		params.Entries = entries
		params.DisableIPv6 = true
		if err := mdns.Query(params); err != nil {
			b.logger.Debugw("mdns query failed", "service", b.config.Service, "err", err)
		}
		close(entries)
		<-done

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.config.Interval):
		}
	}
}

func (b *Browser) offer(ctx context.Context, entry *mdns.ServiceEntry) {
	endpoint, ok := entryEndpoint(entry)
	if !ok || b.seen[endpoint] {
		return
	}
	b.seen[endpoint] = true
	b.logger.Infow("discovered server", "name", entry.Name, "endpoint", endpoint)

	select {
	case b.found <- endpoint:
	case <-ctx.Done():
	}
}

func entryEndpoint(entry *mdns.ServiceEntry) (string, bool) {
	var ip net.IP
	switch {
	case entry.AddrV4 != nil:
		ip = entry.AddrV4
	case entry.AddrV6 != nil:
		ip = entry.AddrV6
	default:
		return "", false
	}
	if entry.Port <= 0 {
		return "", false
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
}
