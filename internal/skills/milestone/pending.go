package milestone

import "sync"

// pendingCongrats holds thresholds awarded but not yet announced, keyed by
// user. Entries survive until the user shows up in a heartbeat.
type pendingCongrats struct {
	mu     sync.Mutex
	byUser map[string][]int
}

func newPendingCongrats() *pendingCongrats {
	return &pendingCongrats{byUser: make(map[string][]int)}
}

func (p *pendingCongrats) add(user string, threshold int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byUser[user] = append(p.byUser[user], threshold)
}

// take removes and returns the user's pending thresholds.
func (p *pendingCongrats) take(user string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	thresholds := p.byUser[user]
	delete(p.byUser, user)
	return thresholds
}
