package speeddaemon

// ConnID identifies one accepted connection. IDs are allocated in accept order starting at 1.
type ConnID uint64

// A role is what a client has identified itself as. It is set at most once per connection.
type role interface {
	roleName() string
}

// unidentified is the role of a client that has not sent IAmCamera or IAmDispatcher yet.
type unidentified struct{}

func (unidentified) roleName() string { return "unidentified" }

// A Camera represents a speed camera.
//
// Each camera is on a specific road, at a specific location, and has a specific speed limit.
// Each camera provides this information when it connects to the server.
// Cameras report each number plate that they observe, along with the timestamp that they observed it.
// Timestamps are exactly the same as [Unix timestamps] (counting seconds since 1st of January 1970), except that they are unsigned.
//
// [Unix timestamps]: https://en.wikipedia.org/wiki/Unix_time
type Camera struct {
	Road  uint16
	Mile  uint16
	Limit uint16
}

func (Camera) roleName() string { return "camera" }

// A TicketDispatcher is responsible for some number of roads.
//
// When the server finds that a car was detected at 2 points on the same road with an average speed in excess of the
// speed limit (speed = distance / time), it will find the responsible ticket dispatcher and send it a ticket for the
// offending car, so that the ticket dispatcher can perform the necessary legal rituals.
type TicketDispatcher struct {
	Roads []uint16
}

func (TicketDispatcher) roleName() string { return "dispatcher" }

// A Car has a specific number plate represented as an uppercase alphanumeric string.
type Car string

// A sighting is one observation of a car by a camera. Sightings are never removed.
type sighting struct {
	Mile      uint16
	Timestamp uint32
}

// A roadCar keys the sighting history of one car on one road.
type roadCar struct {
	Road uint16
	Car  Car
}

// secondsPerDay is the width of the ticket deduplication bucket.
const secondsPerDay = 86400

// day returns the calendar day a timestamp falls on.
func day(timestamp uint32) uint32 {
	return timestamp / secondsPerDay
}
