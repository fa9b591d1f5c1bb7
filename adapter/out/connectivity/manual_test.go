package connectivity

import "testing"

func TestManualNotifiesOnTransitionsOnly(t *testing.T) {
	m := NewManual(false)

	var events []bool
	unsub := m.Subscribe(func(online bool) {
		events = append(events, online)
	})

	m.SetOnline(false) // no transition
	m.SetOnline(true)
	m.SetOnline(true) // no transition
	m.SetOnline(false)

	if len(events) != 2 || events[0] != true || events[1] != false {
		t.Errorf("events = %v, want [true false]", events)
	}

	unsub()
	m.SetOnline(true)
	if len(events) != 2 {
		t.Error("unsubscribed callback still fired")
	}

	if !m.Online() {
		t.Error("Online = false, want true")
	}
}
