package mailer

// ProviderSelector picks the provider for the next attempt of a dispatch.
// failures lists the providers of the failed attempts so far, oldest first.
type ProviderSelector interface {
	Select(failures []ProviderType) ProviderType
}

// PrimaryOnly always selects the first configured provider.
type PrimaryOnly struct {
	Provider ProviderType
}

// Select implements ProviderSelector.
func (s PrimaryOnly) Select([]ProviderType) ProviderType {
	return s.Provider
}

// Failover stays on a provider until it has failed After times in a row,
// then moves to the next provider in order, wrapping around. Providers for
// which Available reports false are skipped while any other is available.
type Failover struct {
	Providers []ProviderType
	After     int
	Available func(ProviderType) bool
}

// Select implements ProviderSelector.
func (s Failover) Select(failures []ProviderType) ProviderType {
	if len(s.Providers) == 0 {
		return ""
	}

	idx := 0
	if n := len(failures); n > 0 {
		last := failures[n-1]
		run := 0
		for i := n - 1; i >= 0 && failures[i] == last; i-- {
			run++
		}

		idx = s.indexOf(last)
		if run >= max(s.After, 1) {
			idx = (idx + 1) % len(s.Providers)
		}
	}

	if s.Available == nil {
		return s.Providers[idx]
	}
	for i := range s.Providers {
		p := s.Providers[(idx+i)%len(s.Providers)]
		if s.Available(p) {
			return p
		}
	}
	return s.Providers[idx]
}

func (s Failover) indexOf(p ProviderType) int {
	for i, name := range s.Providers {
		if name == p {
			return i
		}
	}
	return 0
}
