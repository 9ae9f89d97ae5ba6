// Package systemd integrates with systemd socket activation and sd_notify.
// Outside systemd every function is a no-op.
package systemd

import (
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Socket names expected in FileDescriptorName= of tagwatch.socket.
const (
	NameAPI     = "api"
	NameMetrics = "metrics"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	API       net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns empty listeners if not running under socket activation.
func GetListeners() (*Listeners, error) {
	// Requires systemd 227+; empty without LISTEN_FDS
	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	return pick(named), nil
}

func pick(named map[string][]net.Listener) *Listeners {
	listeners := &Listeners{Activated: len(named) > 0}

	if lns, ok := named[NameAPI]; ok && len(lns) > 0 {
		listeners.API = lns[0]
	}
	if lns, ok := named[NameMetrics]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	return listeners
}

// NotifyReady sends READY=1 notification to systemd
func NotifyReady() error {
	return notify(daemon.SdNotifyReady)
}

// NotifyReloading sends RELOADING=1 notification to systemd
func NotifyReloading() error {
	return notify(daemon.SdNotifyReloading)
}

// NotifyStopping sends STOPPING=1 notification to systemd
func NotifyStopping() error {
	return notify(daemon.SdNotifyStopping)
}

func notify(state string) error {
	// sent is false when not running under systemd, which is not an error
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("failed to send sd_notify %s: %w", state, err)
	}
	return nil
}

// Watchdog pings the systemd watchdog at half the configured interval until
// stop is closed. It returns immediately when the watchdog is disabled.
func Watchdog(stop <-chan struct{}) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("failed to query watchdog: %w", err)
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		case <-stop:
			return nil
		}
	}
}
