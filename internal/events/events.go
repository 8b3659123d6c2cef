// Package events delivers informational events from the engine to the
// application: controller status changes, edge router availability, and
// service catalog changes. Delivery runs on the engine loop; handlers
// must copy anything they keep.
package events

// Type is a bitmask of event kinds an application can subscribe to.
type Type int

const (
	ContextEventType Type = 1 << iota
	RouterEventType
	ServiceEventType
)

// RouterStatus describes an edge router availability change:
// Connected on first channel establishment, Disconnected when an
// established channel dies, Unavailable when a connect fails outright.
type RouterStatus int

const (
	RouterConnected RouterStatus = iota
	RouterDisconnected
	RouterUnavailable
)

// String returns a human-readable status name.
func (s RouterStatus) String() string {
	switch s {
	case RouterConnected:
		return "CONNECTED"
	case RouterDisconnected:
		return "DISCONNECTED"
	case RouterUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// ContextEvent reports issues communicating with the controller.
type ContextEvent struct {
	Status int
	Err    error
}

// RouterEvent reports the status of one edge router.
type RouterEvent struct {
	Status  RouterStatus
	Name    string
	Ingress string
}

// ServiceEvent reports service catalog changes. Only the populated slices
// are meaningful.
type ServiceEvent struct {
	Added   []string
	Changed []string
	Removed []string
}

// Event is the union passed to subscribers; exactly one branch is set,
// matching Type.
type Event struct {
	Type    Type
	Context *ContextEvent
	Router  *RouterEvent
	Service *ServiceEvent
}

// Handler receives events. The event is only valid for the duration of
// the call.
type Handler func(*Event)

type subscription struct {
	mask    Type
	handler Handler
}

// Dispatcher fans events out to subscribers filtered by type mask.
// Not safe for concurrent use; the engine loop owns it.
type Dispatcher struct {
	subs []subscription
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers a handler for the event types in mask.
func (d *Dispatcher) Subscribe(mask Type, h Handler) {
	if h == nil {
		return
	}
	d.subs = append(d.subs, subscription{mask: mask, handler: h})
}

// Emit delivers an event to every subscriber whose mask matches.
func (d *Dispatcher) Emit(e *Event) {
	for _, s := range d.subs {
		if s.mask&e.Type != 0 {
			s.handler(e)
		}
	}
}

// EmitRouter is a convenience for router availability changes.
func (d *Dispatcher) EmitRouter(status RouterStatus, name, ingress string) {
	d.Emit(&Event{
		Type:   RouterEventType,
		Router: &RouterEvent{Status: status, Name: name, Ingress: ingress},
	})
}

// EmitServiceAdded is a convenience for new catalog entries.
func (d *Dispatcher) EmitServiceAdded(names ...string) {
	d.Emit(&Event{
		Type:    ServiceEventType,
		Service: &ServiceEvent{Added: names},
	})
}

// EmitServiceChanged is a convenience for modified catalog entries.
func (d *Dispatcher) EmitServiceChanged(names ...string) {
	d.Emit(&Event{
		Type:    ServiceEventType,
		Service: &ServiceEvent{Changed: names},
	})
}

// EmitServiceRemoved is a convenience for revoked catalog entries.
func (d *Dispatcher) EmitServiceRemoved(names ...string) {
	d.Emit(&Event{
		Type:    ServiceEventType,
		Service: &ServiceEvent{Removed: names},
	})
}
