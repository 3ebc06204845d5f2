package speeddaemon

import (
	"log/slog"
	"time"
)

const Decisecond = 100 * time.Millisecond

// heartbeat queues a Heartbeat on out every interval until out is closed. The first one is sent
// one interval after arming.
func heartbeat(id ConnID, out *outbox, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-out.Done():
			slog.Debug("heartbeat stopped", "connection", id)
			return
		case <-ticker.C:
			if !out.Push(&HeartbeatMessage{}) {
				return
			}
			HeartbeatsSent.Add(1)
		}
	}
}
