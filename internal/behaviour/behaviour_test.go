package behaviour

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubnetKeyGroupsByPrefix(t *testing.T) {
	require.Equal(t, SubnetKey(net.ParseIP("198.51.100.4")), SubnetKey(net.ParseIP("198.51.100.250")))
	require.NotEqual(t, SubnetKey(net.ParseIP("198.51.100.4")), SubnetKey(net.ParseIP("198.51.101.4")))
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	m := NewManager(Config{RingCapacity: 8, WindowSeconds: 300})
	ip := net.ParseIP("198.51.100.4")
	now := time.Now()

	for i := 0; i < 100; i++ {
		m.Record(ip, now.Add(time.Duration(i)*time.Millisecond), fmt.Sprintf("fp-%d", i))
	}

	subnet := SubnetKey(ip)
	w := m.windows[subnet]
	count := 0
	for _, e := range w.buf {
		if !e.at.IsZero() {
			count++
		}
	}
	require.LessOrEqual(t, count, 8)
}

func TestRapidFireFlagTripsOnBurst(t *testing.T) {
	m := NewManager(Config{RapidFireCount: 5, RapidFireMillis: 500, WindowSeconds: 300, RingCapacity: 128})
	ip := net.ParseIP("198.51.100.4")
	now := time.Now()

	var flags Flags
	for i := 0; i < 20; i++ {
		flags = m.Record(ip, now.Add(time.Duration(i)*time.Millisecond), fmt.Sprintf("fp-%d", i))
	}
	require.True(t, flags.RapidFire)
}

func TestFingerprintStabilityFlagsFromThirdDistinct(t *testing.T) {
	m := NewManager(Config{})
	ip := net.ParseIP("198.51.100.4")
	now := time.Now()

	f1 := m.Record(ip, now, "fp-a")
	require.False(t, f1.Unstable)

	f2 := m.Record(ip, now.Add(time.Second), "fp-b")
	require.False(t, f2.Unstable)

	f3 := m.Record(ip, now.Add(2*time.Second), "fp-c")
	require.True(t, f3.Unstable)
}

func TestStabilityBoundedCardinalityRotatesOldest(t *testing.T) {
	m := NewManager(Config{StabilityCapacity: 4})
	ip := net.ParseIP("198.51.100.4")
	now := time.Now()

	for i := 0; i < 10; i++ {
		m.Record(ip, now.Add(time.Duration(i)*time.Second), fmt.Sprintf("fp-%d", i))
	}

	require.True(t, m.Unstable(ip, now.Add(11*time.Second)))

	s := m.stability.shardFor(ip.String()).ips[ip.String()]
	require.Len(t, s.entries, 4)
	require.Equal(t, "fp-6", s.entries[0].hash)
}

func TestHighVelocityFlagsAboveThreshold(t *testing.T) {
	m := NewManager(Config{VelocityThreshold: 3, RingCapacity: 64, WindowSeconds: 300})
	ip := net.ParseIP("198.51.100.4")
	now := time.Now()

	var flags Flags
	for i := 0; i < 10; i++ {
		flags = m.Record(ip, now.Add(time.Duration(i)*time.Second), fmt.Sprintf("fp-%d", i))
	}
	require.True(t, flags.HighVelocity)
}
