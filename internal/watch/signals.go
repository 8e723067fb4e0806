package watch

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// runSignals handles SIGHUP (call reloadFn, spec.md §4.C) and
// SIGTERM (cancel, which drives Run's shutdown path: flush pending reindex
// work, close the watcher, return). The caller's main loop owns process
// lifetime and exits once Run returns; this never calls os.Exit.
func (w *Watcher) runSignals(ctx context.Context, cancel context.CancelFunc, reloadFn func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				w.log.Logf("SIGHUP received, reloading")
				if reloadFn != nil {
					reloadFn()
				}
			case syscall.SIGTERM:
				w.log.Logf("SIGTERM received, shutting down")
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
