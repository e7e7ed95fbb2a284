package syncstore

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/syncstore/internal/clock"
	"pkt.systems/syncstore/internal/storage"
	"pkt.systems/syncstore/internal/storage/disk"
	"pkt.systems/syncstore/internal/storage/memory"
)

// OpenBackend resolves cfg.Store into a storage backend. Used by the engine
// and by the bundled inspection CLI.
func OpenBackend(cfg Config) (storage.Backend, error) {
	return openBackend(cfg)
}

func openBackend(cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.NewWithConfig(memory.Config{Now: clockNow(cfg.Clock)}), nil
	case "disk":
		diskCfg, err := buildDiskConfig(cfg, u)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func buildDiskConfig(cfg Config, u *url.URL) (disk.Config, error) {
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/syncstore)")
	}
	watch := true
	if v := u.Query().Get("watch"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return disk.Config{}, fmt.Errorf("disk store watch option: %w", err)
		}
		watch = enabled
	}
	return disk.Config{
		Root:  filepath.Clean(pathPart),
		Now:   clockNow(cfg.Clock),
		Watch: watch,
	}, nil
}

func clockNow(clk clock.Clock) func() time.Time {
	if clk == nil {
		clk = clock.Real{}
	}
	return clk.Now
}
