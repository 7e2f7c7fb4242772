package aggregators

import "time"

// AggregatorConfig bounds how transcript fragments coalesce before the
// routing layer sees them as a single utterance.
type AggregatorConfig struct {
	// MinChars suppresses punctuation flushes of runs too short to
	// classify on their own.
	MinChars int
	// MaxFragments force-drains a run that never reaches a sentence
	// boundary.
	MaxFragments int
	// MaxHistory caps the ring of flushed utterances kept for
	// diagnostics.
	MaxHistory int
	// SettleAfter drains a stalled partial once no fragment has
	// arrived for this long.
	SettleAfter time.Duration
}

type Aggregator interface {
	Configure(cfg AggregatorConfig) error
	AddFragment(text string)
	Flush() string
}
