package subtitle

import (
	"context"
	"time"

	"iptv-sync/work/types"
)

// startStatusPoller launches the best-effort diagnostics loop for a session.
// Every StatusPollInterval it asks the service for the session's status and
// average processing time, purely for user-facing display. Failures are
// ignored outright; this loop must never influence the sync engine or the
// session lifecycle.
func (c *Client) startStatusPoller(sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())

	if prior, ok := c.statusCancels.LoadAndStore(sessionID, cancel); ok {
		prior()
	}

	go func() {
		ticker := time.NewTicker(c.cfg.StatusPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.pollStatusOnce(ctx, sessionID)
			}
		}
	}()
}

func (c *Client) pollStatusOnce(ctx context.Context, sessionID string) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.StatusPollInterval)
	defer cancel()

	diag, err := c.Status(reqCtx, sessionID)
	if err != nil {
		// best effort only
		c.log.Debug("status poll for session %s failed: %v", sessionID, err)
		return
	}

	if session, ok := c.sessions.Load(sessionID); ok && diag.Status != "" {
		session.Status = diag.Status
	}

	if c.StatusFunc != nil {
		c.StatusFunc(sessionID, diag)
	}

	if diag.Status == types.StatusError && diag.Error != "" {
		c.log.Warn("session %s reported error state: %s", sessionID, diag.Error)
	}
}
