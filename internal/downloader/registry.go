// Package downloader wires the per-backend clients behind a single
// facade keyed by the Backend enum.
package downloader

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/slipcase/slipcase/internal/downloader/deluge"
	"github.com/slipcase/slipcase/internal/downloader/direct"
	"github.com/slipcase/slipcase/internal/downloader/nzbget"
	"github.com/slipcase/slipcase/internal/downloader/qbittorrent"
	"github.com/slipcase/slipcase/internal/downloader/rtorrent"
	"github.com/slipcase/slipcase/internal/downloader/sabnzbd"
	"github.com/slipcase/slipcase/internal/downloader/synology"
	"github.com/slipcase/slipcase/internal/downloader/transmission"
	"github.com/slipcase/slipcase/internal/downloader/types"
	"github.com/slipcase/slipcase/internal/downloader/utorrent"
)

// ErrUnknownBackend is returned for backends with no registered client.
var ErrUnknownBackend = fmt.Errorf("unknown download backend")

// Registry holds one client per configured backend. It is built once at
// startup; clients are safe for concurrent use.
type Registry struct {
	clients map[types.Backend]types.Client
}

// NewRegistry builds clients for every backend present in configs.
// records is needed by the manual backends (direct, irc, blackhole),
// whose progress is derived from work record presence.
func NewRegistry(configs map[types.Backend]*types.BackendConfig, records direct.RecordChecker, log zerolog.Logger) (*Registry, error) {
	clients := make(map[types.Backend]types.Client, len(configs))

	for backend, cfg := range configs {
		client, err := newClient(backend, cfg, records, log)
		if err != nil {
			return nil, err
		}
		clients[backend] = client
	}

	return &Registry{clients: clients}, nil
}

func newClient(backend types.Backend, cfg *types.BackendConfig, records direct.RecordChecker, log zerolog.Logger) (types.Client, error) {
	switch backend {
	case types.BackendTransmission:
		return transmission.NewFromConfig(cfg), nil
	case types.BackendQBittorrent:
		return qbittorrent.NewFromConfig(cfg), nil
	case types.BackendDeluge:
		return deluge.NewFromConfig(cfg), nil
	case types.BackendRTorrent:
		return rtorrent.NewFromConfig(cfg), nil
	case types.BackendUTorrent:
		return utorrent.NewFromConfig(cfg), nil
	case types.BackendSynology:
		return synology.NewFromConfig(cfg), nil
	case types.BackendSABnzbd:
		return sabnzbd.NewFromConfig(cfg), nil
	case types.BackendNZBGet:
		return nzbget.NewFromConfig(cfg), nil
	case types.BackendDirect, types.BackendIRC, types.BackendBlackhole:
		return direct.NewFromConfig(backend, cfg, records, log), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
}

// Client returns the client for a backend.
func (r *Registry) Client(backend types.Backend) (types.Client, error) {
	client, ok := r.clients[backend]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
	return client, nil
}

// Backends lists the configured backends.
func (r *Registry) Backends() []types.Backend {
	backends := make([]types.Backend, 0, len(r.clients))
	for backend := range r.clients {
		backends = append(backends, backend)
	}
	return backends
}
