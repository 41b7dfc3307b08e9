package session

const (
	LoginRoute = "/login"
	HomeRoute  = "/"
)

// Outcome is what a view boundary does for the current phase.
type Outcome int

const (
	Render Outcome = iota
	Wait
	Redirect
)

func (o Outcome) String() string {
	switch o {
	case Render:
		return "render"
	case Wait:
		return "wait"
	case Redirect:
		return "redirect"
	}
	return "unknown"
}

// GuardGuest guards views only reachable signed out (login, register).
func GuardGuest(p Phase) (Outcome, string) {
	if p != PhaseIdle {
		return Redirect, HomeRoute
	}
	return Render, ""
}

// GuardProtected guards views that need a resolved identity. While the
// identity is being fetched the view waits instead of redirecting.
func GuardProtected(p Phase) (Outcome, string) {
	switch p {
	case PhaseIdle, PhaseLoggingIn:
		return Redirect, LoginRoute
	case PhaseRefetchingUser:
		return Wait, ""
	}
	return Render, ""
}
