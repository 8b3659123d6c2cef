package events

import "testing"

func TestDispatcher_MaskFiltering(t *testing.T) {
	d := NewDispatcher()

	var routerEvents, serviceEvents, all int
	d.Subscribe(RouterEventType, func(e *Event) { routerEvents++ })
	d.Subscribe(ServiceEventType, func(e *Event) { serviceEvents++ })
	d.Subscribe(RouterEventType|ServiceEventType|ContextEventType, func(e *Event) { all++ })

	d.EmitRouter(RouterConnected, "edge-1", "tls://edge-1:3022")
	d.EmitServiceAdded("Azure-Ping")
	d.Emit(&Event{Type: ContextEventType, Context: &ContextEvent{Status: -1}})

	if routerEvents != 1 {
		t.Errorf("router subscriber saw %d events, want 1", routerEvents)
	}
	if serviceEvents != 1 {
		t.Errorf("service subscriber saw %d events, want 1", serviceEvents)
	}
	if all != 3 {
		t.Errorf("catch-all subscriber saw %d events, want 3", all)
	}
}

func TestDispatcher_RouterEventFields(t *testing.T) {
	d := NewDispatcher()

	var got *RouterEvent
	d.Subscribe(RouterEventType, func(e *Event) { got = e.Router })

	d.EmitRouter(RouterUnavailable, "edge-2", "tls://edge-2:3022")

	if got == nil {
		t.Fatal("no event delivered")
	}
	if got.Status != RouterUnavailable || got.Name != "edge-2" {
		t.Errorf("event = %+v", got)
	}
	if got.Status.String() != "UNAVAILABLE" {
		t.Errorf("Status.String() = %q", got.Status.String())
	}
}

func TestDispatcher_NilHandlerIgnored(t *testing.T) {
	d := NewDispatcher()
	d.Subscribe(RouterEventType, nil)
	d.EmitRouter(RouterConnected, "edge-1", "") // must not panic
}

func TestDispatcher_ServiceEventBranches(t *testing.T) {
	d := NewDispatcher()

	var added, changed, removed []string
	d.Subscribe(ServiceEventType, func(e *Event) {
		added = append(added, e.Service.Added...)
		changed = append(changed, e.Service.Changed...)
		removed = append(removed, e.Service.Removed...)
	})

	d.EmitServiceAdded("a")
	d.EmitServiceChanged("b")
	d.EmitServiceRemoved("c")

	if len(added) != 1 || added[0] != "a" {
		t.Errorf("added = %v", added)
	}
	if len(changed) != 1 || changed[0] != "b" {
		t.Errorf("changed = %v", changed)
	}
	if len(removed) != 1 || removed[0] != "c" {
		t.Errorf("removed = %v", removed)
	}
}
