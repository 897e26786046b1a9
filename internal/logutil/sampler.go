package logutil

import (
	"github.com/rs/zerolog"
)

// LevelSampler drops events below Level. Debug and trace events that pass
// are further thinned out by Verbose when it is set, since interceptors can
// emit them on every traced call.
type LevelSampler struct {
	Level   zerolog.Level
	Verbose zerolog.Sampler
}

func (l LevelSampler) Sample(lvl zerolog.Level) bool {
	if lvl < l.Level {
		return false
	}
	if lvl <= zerolog.DebugLevel && l.Verbose != nil {
		return l.Verbose.Sample(lvl)
	}
	return true
}
