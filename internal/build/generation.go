package build

import "sync/atomic"

// Generation is the build issue counter shared by a coordinator and its
// workers. Only the newest issue is current.
type Generation struct {
	current atomic.Uint64
}

// Advance starts a new issue and returns it; every earlier ticket is cancelled.
func (g *Generation) Advance() uint64 {
	return g.current.Add(1)
}

// Current returns the newest issue.
func (g *Generation) Current() uint64 {
	return g.current.Load()
}

// Ticket returns the handle a worker of the given issue polls.
func (g *Generation) Ticket(issue uint64) Ticket {
	return Ticket{gen: g, issue: issue}
}

// Ticket ties a scan to the issue it was started for.
type Ticket struct {
	gen   *Generation
	issue uint64
}

// Issue returns the issue the ticket was handed out for.
func (t Ticket) Issue() uint64 {
	return t.issue
}

// Cancelled reports whether a newer issue has been started.
func (t Ticket) Cancelled() bool {
	return t.gen.Current() != t.issue
}
