package announce

// Sink receives turn-by-turn guidance events. Calls are fire-and-forget: no
// return value ever influences navigation state transitions.
type Sink interface {
	AnnounceInstruction(text string, distanceMeters float64)
	AnnounceArrival()
	Stop()
}

// Nop discards all announcements.
type Nop struct{}

func (Nop) AnnounceInstruction(string, float64) {}
func (Nop) AnnounceArrival()                    {}
func (Nop) Stop()                               {}
