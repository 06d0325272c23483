package pool

import (
	"log/slog"
	"time"

	"github.com/shardgate/shardgate/internal/backend"
)

// runCleanup runs the connection-drop state machine bounded by
// p.cfg.RollbackTimeout, then checks the connection back in (or
// force-closes it).
func runCleanup(p *Pool, c *backend.Connection) {
	done := make(chan bool, 1)
	go func() { done <- cleanupSteps(p, c) }()

	select {
	case reusable := <-done:
		p.checkin(c, reusable)
	case <-time.After(p.cfg.RollbackTimeout):
		slog.Warn("cleanup exceeded rollback_timeout, force-closing", "addr", p.addr)
		p.checkin(c, false)
	}
}

// cleanupSteps runs the reset sequence and reports whether the connection
// is safe to re-enqueue as opposed to force-closed (the rollback_timeout
// bound on the whole sequence is enforced by the caller via a select,
// not inside here).
func cleanupSteps(p *Pool, c *backend.Connection) bool {
	// Step 1: CopyMode must drain to a terminal message before anything
	// else is safe to send.
	if c.TxStateVal == backend.TxCopyMode {
		if err := c.Drain(); err != nil {
			return false
		}
	}

	// Step 2: rollback any open transaction.
	if c.TxStateVal == backend.TxInTransaction || c.TxStateVal == backend.TxError {
		if err := c.Rollback(); err != nil {
			return false
		}
	}

	// Step 3: reset session state if the connection was used at all.
	if c.Dirty || c.SchemaChanged {
		var err error
		if p.cfg.DiscardAll {
			_, err = c.Execute("DISCARD ALL")
		} else {
			err = resetToStartupParams(c)
		}
		if err != nil {
			return false
		}
		c.Dirty = false
		c.SchemaChanged = false
	}

	// Step 4: reconcile cached prepared-statement names against the
	// cluster-wide registry.
	if p.cfg.SyncPrepared && p.globalNames != nil {
		if err := c.SyncPreparedStatements(p.globalNames()); err != nil {
			return false
		}
	}

	return true
}

// resetToStartupParams issues RESET ALL, then DEALLOCATE ALL if the
// connection has any cached prepared statements.
func resetToStartupParams(c *backend.Connection) error {
	if _, err := c.Execute("RESET ALL"); err != nil {
		return err
	}
	if c.Prepared.Len() > 0 {
		if _, err := c.Execute("DEALLOCATE ALL"); err != nil {
			return err
		}
		c.Prepared.Clear()
	}
	return nil
}
