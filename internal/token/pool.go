package token

import "math/rand"

// Pool groups the tokens of one access tier under a shared selection policy.
type Pool struct {
	Name   string
	tokens map[string]*TokenInfo // keyed by bare secret
}

// NewPool creates an empty pool.
func NewPool(name string) *Pool {
	return &Pool{Name: name, tokens: make(map[string]*TokenInfo)}
}

// Add inserts or replaces a token.
func (p *Pool) Add(info *TokenInfo) {
	p.tokens[info.Token] = info
}

// Remove deletes a token by bare secret, reporting whether it was present.
func (p *Pool) Remove(secret string) bool {
	if _, ok := p.tokens[secret]; !ok {
		return false
	}
	delete(p.tokens, secret)
	return true
}

// Get returns the token for a bare secret, or nil.
func (p *Pool) Get(secret string) *TokenInfo {
	return p.tokens[secret]
}

// Count returns the number of tokens in the pool.
func (p *Pool) Count() int {
	return len(p.tokens)
}

// List returns the tokens in map order.
func (p *Pool) List() []*TokenInfo {
	out := make([]*TokenInfo, 0, len(p.tokens))
	for _, info := range p.tokens {
		out = append(out, info)
	}
	return out
}

// Select picks an available token with the most remaining quota, breaking
// ties uniformly at random so equally fresh tokens wear evenly. Returns nil
// when nothing is available.
func (p *Pool) Select() *TokenInfo {
	maxQuota := 0
	var candidates []*TokenInfo
	for _, info := range p.tokens {
		if !info.IsAvailable() {
			continue
		}
		switch {
		case info.Quota > maxQuota:
			maxQuota = info.Quota
			candidates = candidates[:0]
			candidates = append(candidates, info)
		case info.Quota == maxQuota:
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// PoolStats aggregates the state of one pool.
type PoolStats struct {
	Total      int     `json:"total"`
	Active     int     `json:"active"`
	Disabled   int     `json:"disabled"`
	Expired    int     `json:"expired"`
	Cooling    int     `json:"cooling"`
	TotalQuota int     `json:"total_quota"`
	AvgQuota   float64 `json:"avg_quota"`
}

// Stats computes aggregates over the pool.
func (p *Pool) Stats() PoolStats {
	s := PoolStats{Total: len(p.tokens)}
	for _, info := range p.tokens {
		switch info.Status {
		case StatusActive:
			s.Active++
		case StatusDisabled:
			s.Disabled++
		case StatusExpired:
			s.Expired++
		case StatusCooling:
			s.Cooling++
		}
		s.TotalQuota += info.Quota
	}
	if s.Total > 0 {
		s.AvgQuota = float64(s.TotalQuota) / float64(s.Total)
	}
	return s
}
