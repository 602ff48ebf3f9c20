package cidrtrie

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupMostGeneralPrefixWins(t *testing.T) {
	trie, skipped := Build([]Range{
		{CIDR: "10.0.0.0/8", Provider: "AWS"},
		{CIDR: "10.1.0.0/16", Provider: "AWS"},
	})
	require.Equal(t, 0, skipped)

	isDC, provider := trie.Lookup(net.ParseIP("10.0.0.1"))
	require.True(t, isDC)
	require.Equal(t, "AWS", provider)

	isDC, provider = trie.Lookup(net.ParseIP("10.1.2.3"))
	require.True(t, isDC)
	require.Equal(t, "AWS", provider)

	isDC, _ = trie.Lookup(net.ParseIP("11.0.0.1"))
	require.False(t, isDC)
}

func TestLookupShorterPrefixShadowsConflictingLongerOne(t *testing.T) {
	trie, _ := Build([]Range{
		{CIDR: "172.16.0.0/12", Provider: "GCP"},
		{CIDR: "172.16.5.0/24", Provider: "AWS"},
	})

	// The /12 (GCP) is more general and must win even though a conflicting
	// /24 (AWS) sits underneath it in address space.
	_, provider := trie.Lookup(net.ParseIP("172.16.5.1"))
	require.Equal(t, "GCP", provider)
}

func TestBuildSkipsInvalidCIDRsSilently(t *testing.T) {
	trie, skipped := Build([]Range{
		{CIDR: "not-a-cidr", Provider: "X"},
		{CIDR: "10.0.0.0/8", Provider: "AWS"},
	})
	require.Equal(t, 1, skipped)
	built, sk := trie.Stats()
	require.Equal(t, 1, built)
	require.Equal(t, 1, sk)
}

func TestLookupIPv6(t *testing.T) {
	trie, _ := Build([]Range{
		{CIDR: "2600:1f00::/24", Provider: "AWS"},
	})

	isDC, provider := trie.Lookup(net.ParseIP("2600:1f00:abcd::1"))
	require.True(t, isDC)
	require.Equal(t, "AWS", provider)

	isDC, _ = trie.Lookup(net.ParseIP("2601::1"))
	require.False(t, isDC)
}

func TestStoreAtomicRefresh(t *testing.T) {
	store := NewStore()
	isDC, _ := store.Lookup(net.ParseIP("10.0.0.1"))
	require.False(t, isDC)

	built, skipped := store.Refresh([]Range{{CIDR: "10.0.0.0/8", Provider: "AWS"}})
	require.Equal(t, 1, built)
	require.Equal(t, 0, skipped)

	isDC, provider := store.Lookup(net.ParseIP("10.0.0.1"))
	require.True(t, isDC)
	require.Equal(t, "AWS", provider)
}

func TestLookupNoRangesConfigured(t *testing.T) {
	trie, _ := Build(nil)
	isDC, provider := trie.Lookup(net.ParseIP("8.8.8.8"))
	require.False(t, isDC)
	require.Equal(t, "", provider)
}
