package display

// Consumer is the UI side of the display layer. The terminal calls it from
// its owner goroutine, so implementations must return quickly and hand any
// real work to their own goroutine.
type Consumer interface {
	// UpdateData receives a full accumulator window.
	UpdateData(Snapshot)
	// UpdateEvents receives the digital-line event codes found in a tick.
	UpdateEvents(codes []int)
	// UpdateTrialIndicator reports the zero-based index of the trial that
	// just started and the length of the run.
	UpdateTrialIndicator(current, total int)
}

// SnippetConsumer is implemented by consumers that also display detected
// events with their waveforms.
type SnippetConsumer interface {
	UpdateSnippets(EventSnapshot)
}

// Multi fans every update out to several consumers in order.
type Multi []Consumer

func (m Multi) UpdateData(s Snapshot) {
	for _, c := range m {
		c.UpdateData(s)
	}
}

func (m Multi) UpdateEvents(codes []int) {
	for _, c := range m {
		c.UpdateEvents(codes)
	}
}

func (m Multi) UpdateTrialIndicator(current, total int) {
	for _, c := range m {
		c.UpdateTrialIndicator(current, total)
	}
}

func (m Multi) UpdateSnippets(s EventSnapshot) {
	for _, c := range m {
		if sc, ok := c.(SnippetConsumer); ok {
			sc.UpdateSnippets(s)
		}
	}
}
