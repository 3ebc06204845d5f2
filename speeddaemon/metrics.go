package speeddaemon

import (
	"fmt"
	"io"
	"sync/atomic"
)

var (
	ConnectionsAccepted atomic.Int64
	ConnectionsActive   atomic.Int64
	ProtocolErrors      atomic.Int64
	FrameErrors         atomic.Int64
	PlatesObserved      atomic.Int64
	TicketsIssued       atomic.Int64
	TicketsSuppressed   atomic.Int64
	TicketsDelivered    atomic.Int64
	TicketsQueued       atomic.Int64
	HeartbeatsSent      atomic.Int64
)

// WriteMetrics writes every counter in the plain-text exposition format.
func WriteMetrics(w io.Writer) {
	fmt.Fprintf(w, "speeddaemon_connections_accepted_total %d\n", ConnectionsAccepted.Load())
	fmt.Fprintf(w, "speeddaemon_connections_active %d\n", ConnectionsActive.Load())
	fmt.Fprintf(w, "speeddaemon_protocol_errors_total %d\n", ProtocolErrors.Load())
	fmt.Fprintf(w, "speeddaemon_frame_errors_total %d\n", FrameErrors.Load())
	fmt.Fprintf(w, "speeddaemon_plates_observed_total %d\n", PlatesObserved.Load())
	fmt.Fprintf(w, "speeddaemon_tickets_issued_total %d\n", TicketsIssued.Load())
	fmt.Fprintf(w, "speeddaemon_tickets_suppressed_total %d\n", TicketsSuppressed.Load())
	fmt.Fprintf(w, "speeddaemon_tickets_delivered_total %d\n", TicketsDelivered.Load())
	fmt.Fprintf(w, "speeddaemon_tickets_queued_total %d\n", TicketsQueued.Load())
	fmt.Fprintf(w, "speeddaemon_heartbeats_sent_total %d\n", HeartbeatsSent.Load())
}
