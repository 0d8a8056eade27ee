package session

import "time"

// TimeLimits holds the answer time budget. A topic override wins over the
// subject limit, which wins over the default.
type TimeLimits struct {
	Default  time.Duration
	Subjects map[string]time.Duration
	// Topics is keyed by "subject/topic".
	Topics map[string]time.Duration
}

func (l TimeLimits) For(subject, topic string) time.Duration {
	if d, ok := l.Topics[subject+"/"+topic]; ok {
		return d
	}
	if d, ok := l.Subjects[subject]; ok {
		return d
	}
	return l.Default
}
