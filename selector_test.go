package mailer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrimaryOnly(t *testing.T) {
	s := PrimaryOnly{Provider: ProviderSES}
	require.Equal(t, ProviderSES, s.Select(nil))
	require.Equal(t, ProviderSES, s.Select([]ProviderType{ProviderSES, ProviderSES}))
}

func TestFailover(t *testing.T) {
	s := Failover{
		Providers: []ProviderType{ProviderPostmark, ProviderSES},
		After:     2,
	}

	tests := []struct {
		failures []ProviderType
		want     ProviderType
	}{
		{nil, ProviderPostmark},
		{[]ProviderType{ProviderPostmark}, ProviderPostmark},
		{[]ProviderType{ProviderPostmark, ProviderPostmark}, ProviderSES},
		{[]ProviderType{ProviderPostmark, ProviderPostmark, ProviderSES}, ProviderSES},
		{[]ProviderType{ProviderPostmark, ProviderPostmark, ProviderSES, ProviderSES}, ProviderPostmark},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, s.Select(tt.failures), "%v", tt.failures)
	}
}

func TestFailoverSkipsUnavailable(t *testing.T) {
	down := map[ProviderType]bool{ProviderPostmark: true}
	s := Failover{
		Providers: []ProviderType{ProviderPostmark, ProviderSES, ProviderMailgun},
		After:     1,
		Available: func(p ProviderType) bool { return !down[p] },
	}

	require.Equal(t, ProviderSES, s.Select(nil))
	require.Equal(t, ProviderMailgun, s.Select([]ProviderType{ProviderSES}))

	// With every provider down the rotation target is used anyway.
	down[ProviderSES] = true
	down[ProviderMailgun] = true
	require.Equal(t, ProviderPostmark, s.Select(nil))
	require.Equal(t, ProviderMailgun, s.Select([]ProviderType{ProviderSES}))
}
