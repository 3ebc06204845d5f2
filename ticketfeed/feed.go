// Package ticketfeed publishes every ticket the speed daemon issues to an external channel.
//
// Publication is best effort: the dispatch core hands tickets over without blocking and a slow
// or unavailable backend only costs dropped feed entries, never ticket delivery.
package ticketfeed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/benjaminclauss/trafficd/speeddaemon"
)

var (
	Published atomic.Int64
	Drops     atomic.Int64
	Failures  atomic.Int64
)

// WriteMetrics writes the feed counters in the plain-text exposition format.
func WriteMetrics(w io.Writer) {
	fmt.Fprintf(w, "ticketfeed_published_total %d\n", Published.Load())
	fmt.Fprintf(w, "ticketfeed_drops_total %d\n", Drops.Load())
	fmt.Fprintf(w, "ticketfeed_failures_total %d\n", Failures.Load())
}

// Ticket is the published form of a ticket.
type Ticket struct {
	Plate      string `json:"plate"`
	Road       uint16 `json:"road"`
	Mile1      uint16 `json:"mile1"`
	Timestamp1 uint32 `json:"timestamp1"`
	Mile2      uint16 `json:"mile2"`
	Timestamp2 uint32 `json:"timestamp2"`
	Speed      uint16 `json:"speed"`
}

// FromMessage converts a ticket frame.
func FromMessage(m speeddaemon.TicketMessage) Ticket {
	return Ticket{
		Plate:      m.Plate,
		Road:       m.Road,
		Mile1:      m.Mile1,
		Timestamp1: m.Timestamp1,
		Mile2:      m.Mile2,
		Timestamp2: m.Timestamp2,
		Speed:      m.Speed,
	}
}

// A Publisher sends one ticket to the outside world.
type Publisher interface {
	Publish(ctx context.Context, t Ticket) error
}

// Feed buffers issued tickets and publishes them from its own goroutine.
type Feed struct {
	tickets   chan Ticket
	publisher Publisher
}

// New returns a feed holding up to buffer unpublished tickets.
func New(publisher Publisher, buffer int) *Feed {
	return &Feed{
		tickets:   make(chan Ticket, buffer),
		publisher: publisher,
	}
}

// TicketIssued queues t for publication, dropping it if the buffer is full.
func (f *Feed) TicketIssued(t speeddaemon.TicketMessage) {
	select {
	case f.tickets <- FromMessage(t):
	default:
		Drops.Add(1)
		slog.Warn("ticket feed full, dropping ticket", "plate", t.Plate, "road", t.Road)
	}
}

// Run publishes queued tickets until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-f.tickets:
			if err := f.publisher.Publish(ctx, t); err != nil {
				Failures.Add(1)
				slog.Error("ticket publish failed", "plate", t.Plate, "road", t.Road, "err", err)
				continue
			}
			Published.Add(1)
		}
	}
}
