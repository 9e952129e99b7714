package engine

import "github.com/ferrostat/go-panelwatch/internal/domain"

// event is one unit of work for the reducer goroutine. Every mutation of
// engine state flows through the event channel; queries never mutate.
type event interface {
	isEvent()
}

// telegramEvent carries one raw telegram from a feed producer.
type telegramEvent struct {
	raw    string
	source domain.FeedSource
}

// modeChangeEvent switches the active feed source. The reply reports
// whether a switch actually happened.
type modeChangeEvent struct {
	source domain.FeedSource
	reply  chan bool
}

// deviceCountEvent reconfigures how many loop devices the panel polls.
type deviceCountEvent struct {
	count int
	reply chan error
}

// resetEvent marks that a panel reset was requested.
type resetEvent struct {
	reply chan struct{}
}

// sweepEvent triggers the periodic zone cache expiry.
type sweepEvent struct{}

// reevalEvent re-derives the aggregated status. Posted by deadline timers
// when a time-dependent label component is about to flip.
type reevalEvent struct{}

func (telegramEvent) isEvent()    {}
func (modeChangeEvent) isEvent()  {}
func (deviceCountEvent) isEvent() {}
func (resetEvent) isEvent()       {}
func (sweepEvent) isEvent()       {}
func (reevalEvent) isEvent()      {}
