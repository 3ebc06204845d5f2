package speeddaemon

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
)

// ErrCoreUnavailable is returned when an event cannot be submitted because the core has stopped.
// The core is the single point of coordination, so this is fatal to the server.
var ErrCoreUnavailable = errors.New("dispatch core is not running")

// DefaultInboundQueueSize is the capacity of the core's inbound queue.
const DefaultInboundQueueSize = 1024

// A TicketObserver is told about every ticket the core issues. TicketIssued is called from the
// core goroutine and must not block.
type TicketObserver interface {
	TicketIssued(t TicketMessage)
}

// An event is something a connection asks the core to do.
type event interface {
	conn() ConnID
}

type connected struct {
	ID     ConnID
	Outbox *outbox
}

type cameraIdentified struct {
	ID     ConnID
	Camera Camera
}

type dispatcherIdentified struct {
	ID    ConnID
	Roads []uint16
}

type plateObserved struct {
	ID    ConnID
	Plate PlateMessage
}

type disconnected struct {
	ID ConnID
}

func (e connected) conn() ConnID            { return e.ID }
func (e cameraIdentified) conn() ConnID     { return e.ID }
func (e dispatcherIdentified) conn() ConnID { return e.ID }
func (e plateObserved) conn() ConnID        { return e.ID }
func (e disconnected) conn() ConnID         { return e.ID }

// Core owns all state shared between connections: cameras, sightings, the ticket ledger,
// dispatcher registrations and pending tickets.
//
// Every field below inbound is touched only by the goroutine running Run. Connections reach the
// core solely through Submit.
type Core struct {
	inbound  chan event
	done     chan struct{}
	observer TicketObserver

	outboxes    map[ConnID]*outbox
	cameras     map[ConnID]Camera
	limits      map[uint16]uint16
	sightings   map[roadCar][]sighting
	ledger      map[Car]map[uint32]struct{}
	dispatchers map[uint16]map[ConnID]struct{}
	pending     map[uint16][]TicketMessage
}

// NewCore returns a core whose inbound queue holds up to queueSize events. Producers block when
// the queue is full.
func NewCore(queueSize int, observer TicketObserver) *Core {
	if queueSize <= 0 {
		queueSize = DefaultInboundQueueSize
	}
	return &Core{
		inbound:     make(chan event, queueSize),
		done:        make(chan struct{}),
		observer:    observer,
		outboxes:    make(map[ConnID]*outbox),
		cameras:     make(map[ConnID]Camera),
		limits:      make(map[uint16]uint16),
		sightings:   make(map[roadCar][]sighting),
		ledger:      make(map[Car]map[uint32]struct{}),
		dispatchers: make(map[uint16]map[ConnID]struct{}),
		pending:     make(map[uint16][]TicketMessage),
	}
}

// Run processes events one at a time until ctx is cancelled. A core can only be run once.
func (c *Core) Run(ctx context.Context) error {
	defer close(c.done)
	slog.Debug("dispatch core started")

	for {
		select {
		case <-ctx.Done():
			slog.Debug("dispatch core stopped")
			return ctx.Err()
		case e := <-c.inbound:
			c.handle(e)
		}
	}
}

// Submit enqueues e. It blocks while the inbound queue is full and fails with
// ErrCoreUnavailable once the core has stopped.
func (c *Core) Submit(ctx context.Context, e event) error {
	select {
	case <-c.done:
		return ErrCoreUnavailable
	default:
	}

	select {
	case c.inbound <- e:
		return nil
	case <-c.done:
		return ErrCoreUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run has returned.
func (c *Core) Done() <-chan struct{} {
	return c.done
}

func (c *Core) handle(e event) {
	switch e := e.(type) {
	case connected:
		c.outboxes[e.ID] = e.Outbox
	case cameraIdentified:
		c.registerCamera(e.ID, e.Camera)
	case dispatcherIdentified:
		c.registerDispatcher(e.ID, e.Roads)
	case plateObserved:
		c.observePlate(e.ID, e.Plate)
	case disconnected:
		c.disconnect(e.ID)
	default:
		slog.Error("unexpected event", "connection", e.conn())
	}
}

func (c *Core) registerCamera(id ConnID, camera Camera) {
	c.cameras[id] = camera
	// The first camera on a road establishes its limit.
	if _, ok := c.limits[camera.Road]; !ok {
		c.limits[camera.Road] = camera.Limit
	}
}

func (c *Core) registerDispatcher(id ConnID, roads []uint16) {
	for _, road := range roads {
		dispatchers, ok := c.dispatchers[road]
		if !ok {
			dispatchers = make(map[ConnID]struct{})
			c.dispatchers[road] = dispatchers
		}
		dispatchers[id] = struct{}{}
	}

	for _, road := range roads {
		queued := c.pending[road]
		if len(queued) == 0 {
			continue
		}
		delete(c.pending, road)
		slog.Debug("sending queued tickets", "connection", id, "road", road, "count", len(queued))
		for _, t := range queued {
			c.deliver(t)
		}
	}
}

func (c *Core) disconnect(id ConnID) {
	delete(c.outboxes, id)
	delete(c.cameras, id)
	for road, dispatchers := range c.dispatchers {
		delete(dispatchers, id)
		if len(dispatchers) == 0 {
			delete(c.dispatchers, road)
		}
	}
}

func (c *Core) observePlate(id ConnID, m PlateMessage) {
	camera, ok := c.cameras[id]
	if !ok {
		// The connection checks its role before forwarding, so this is a bug.
		slog.Error("plate from unknown camera", "connection", id, "plate", m.Plate)
		return
	}
	PlatesObserved.Add(1)

	key := roadCar{Road: camera.Road, Car: Car(m.Plate)}
	observed := sighting{Mile: camera.Mile, Timestamp: m.Timestamp}
	history, inserted := insertSighting(c.sightings[key], observed)
	c.sightings[key] = history
	if !inserted {
		return
	}

	limit := c.limits[camera.Road]
	for _, other := range history {
		if other.Timestamp == observed.Timestamp {
			continue
		}
		earlier, later := other, observed
		if later.Timestamp < earlier.Timestamp {
			earlier, later = later, earlier
		}
		if !exceedsLimit(earlier, later, limit) {
			continue
		}

		t := TicketMessage{
			Plate:      m.Plate,
			Road:       camera.Road,
			Mile1:      earlier.Mile,
			Timestamp1: earlier.Timestamp,
			Mile2:      later.Mile,
			Timestamp2: later.Timestamp,
			Speed:      averageSpeed(earlier, later),
		}
		if !c.markTicketed(Car(m.Plate), earlier.Timestamp, later.Timestamp) {
			TicketsSuppressed.Add(1)
			slog.Debug("car already ticketed on this day", "plate", t.Plate, "road", t.Road,
				"timestamp1", t.Timestamp1, "timestamp2", t.Timestamp2)
			continue
		}

		TicketsIssued.Add(1)
		slog.Info("issuing ticket", "plate", t.Plate, "road", t.Road, "mile1", t.Mile1,
			"timestamp1", t.Timestamp1, "mile2", t.Mile2, "timestamp2", t.Timestamp2, "speed", t.Speed)
		if c.observer != nil {
			c.observer.TicketIssued(t)
		}
		c.deliver(t)
	}
}

// markTicketed records a ticket for car on every day from start to end. It reports false, and
// records nothing, if any of those days already has one.
func (c *Core) markTicketed(car Car, start, end uint32) bool {
	days := c.ledger[car]
	for d := day(start); d <= day(end); d++ {
		if _, ok := days[d]; ok {
			return false
		}
	}

	if days == nil {
		days = make(map[uint32]struct{})
		c.ledger[car] = days
	}
	for d := day(start); d <= day(end); d++ {
		days[d] = struct{}{}
	}
	return true
}

// deliver sends t to the dispatcher with the lowest connection ID for its road, or queues it
// when there is none.
func (c *Core) deliver(t TicketMessage) {
	dispatchers := c.dispatchers[t.Road]
	for _, id := range slices.Sorted(maps.Keys(dispatchers)) {
		out, ok := c.outboxes[id]
		if ok && out.Push(&t) {
			TicketsDelivered.Add(1)
			slog.Debug("ticket delivered", "connection", id, "plate", t.Plate, "road", t.Road)
			return
		}
		// The connection is closing and its disconnect event is still queued.
		delete(dispatchers, id)
	}

	TicketsQueued.Add(1)
	slog.Debug("no dispatchers for road, queueing ticket", "road", t.Road, "plate", t.Plate)
	c.pending[t.Road] = append(c.pending[t.Road], t)
}

// insertSighting adds s to history, which is ordered by timestamp. An identical sighting is only
// recorded once; inserted is false in that case.
func insertSighting(history []sighting, s sighting) (_ []sighting, inserted bool) {
	i, _ := slices.BinarySearchFunc(history, s, func(a, b sighting) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	for j := i; j < len(history) && history[j].Timestamp == s.Timestamp; j++ {
		if history[j] == s {
			return history, false
		}
	}
	return slices.Insert(history, i, s), true
}

// exceedsLimit reports whether the average speed between two sightings is more than half a mile
// per hour over limit. earlier must have the smaller timestamp.
func exceedsLimit(earlier, later sighting, limit uint16) bool {
	distance := milesBetween(earlier, later)
	elapsed := uint64(later.Timestamp - earlier.Timestamp)
	// distance/elapsed*3600 > limit+0.5, scaled to stay in integers.
	return distance*360000 > (uint64(limit)*100+50)*elapsed
}

// averageSpeed returns the average speed between two sightings in hundredths of a mile per hour,
// rounded to the nearest unit and saturated at the largest value a ticket can carry.
func averageSpeed(earlier, later sighting) uint16 {
	elapsed := uint64(later.Timestamp - earlier.Timestamp)
	if elapsed == 0 {
		return 0
	}
	speed := (milesBetween(earlier, later)*360000*2 + elapsed) / (2 * elapsed)
	if speed > 0xFFFF {
		return 0xFFFF
	}
	return uint16(speed)
}

func milesBetween(a, b sighting) uint64 {
	return uint64(max(a.Mile, b.Mile) - min(a.Mile, b.Mile))
}
