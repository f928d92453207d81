//go:build govips && cgo

package pipeline

import (
	"errors"
	"log"
	"runtime"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

const vipsCacheMem = 128 << 20

var errVipsStopped = errors.New("libvips was shut down and cannot be restarted")

// libvips may be started once per process and never again after shutdown.
var vipsState struct {
	sync.Mutex
	running bool
	stopped bool
}

// Startup initializes libvips. Calling it again while running is a no-op.
func Startup() error {
	vipsState.Lock()
	defer vipsState.Unlock()

	switch {
	case vipsState.running:
		return nil
	case vipsState.stopped:
		return errVipsStopped
	}

	vips.LoggingSettings(logVips, vips.LogLevelWarning)
	vips.Startup(&vips.Config{
		ConcurrencyLevel: runtime.NumCPU(),
		MaxCacheFiles:    0,
		MaxCacheMem:      vipsCacheMem,
		MaxCacheSize:     100,
	})
	vipsState.running = true
	return nil
}

func Shutdown() {
	vipsState.Lock()
	defer vipsState.Unlock()
	if !vipsState.running {
		return
	}
	vips.Shutdown()
	vipsState.running = false
	vipsState.stopped = true
}

func RuntimeName() string {
	return "govips"
}

func logVips(domain string, level vips.LogLevel, msg string) {
	log.Printf("[vips] level=%d domain=%s msg=%q", level, domain, msg)
}

func newTransformer(opts Options) (Transformer, error) {
	if err := Startup(); err != nil {
		return nil, err
	}
	return govipsTransformer{opts: opts}, nil
}
