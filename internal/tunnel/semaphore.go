package tunnel

import "context"

// admission limits concurrent transfers. A nil channel (from
// newAdmission(0)) imposes no limit.
type admission struct {
	ch chan struct{}
}

func newAdmission(max int) *admission {
	if max <= 0 {
		return &admission{}
	}
	return &admission{ch: make(chan struct{}, max)}
}

// tryAcquire never blocks: a full server rejects instead of queueing.
func (s *admission) tryAcquire(ctx context.Context) bool {
	if s.ch == nil {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *admission) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
