package out

// ConnectivityObserver reports whether the remote tier is reachable and
// notifies subscribers on transitions. Implementations: a probe that pings
// the remote store on an interval, or a manual switch for tests.
type ConnectivityObserver interface {
	// Online returns the last observed state.
	Online() bool

	// Subscribe registers a transition callback and returns an unsubscribe
	// function. The callback fires only on actual state changes.
	Subscribe(fn func(online bool)) (unsubscribe func())
}
