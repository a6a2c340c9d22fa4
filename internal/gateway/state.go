package gateway

// State is the lifecycle phase of one Session.
type State string

const (
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateBound         State = "bound"
	StateClosed        State = "closed"
)
