package ratelimit

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/frameecho/internal/config"
)

func TestTokenBucket_AllowsUpToBurst(t *testing.T) {
	b := NewTokenBucket(TokenBucketConfig{Rate: 1, Burst: 3, CleanupInterval: time.Minute, MaxEntries: 10})
	assert.True(t, b.Allow("k"))
	assert.True(t, b.Allow("k"))
	assert.True(t, b.Allow("k"))
	assert.False(t, b.Allow("k"))
}

func TestTokenBucket_DisabledWhenRateOrBurstNonPositive(t *testing.T) {
	b := NewTokenBucket(TokenBucketConfig{Rate: 0, Burst: 0})
	for i := 0; i < 100; i++ {
		assert.True(t, b.Allow("k"))
	}
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	b := NewTokenBucket(TokenBucketConfig{Rate: 1000, Burst: 1, CleanupInterval: time.Minute, MaxEntries: 10})
	require.True(t, b.Allow("k"))
	require.False(t, b.Allow("k"))
	time.Sleep(5 * time.Millisecond)
	assert.True(t, b.Allow("k"))
}

func TestTokenBucket_MaxEntriesEnforced(t *testing.T) {
	b := NewTokenBucket(TokenBucketConfig{Rate: 1, Burst: 1, CleanupInterval: time.Minute, MaxEntries: 1})
	assert.True(t, b.Allow("first"))
	assert.False(t, b.Allow("second"), "second key should be denied once at capacity")
}

func TestLimiter_AllowAddr_FailsClosedWhenAnyLevelDenies(t *testing.T) {
	cfg := config.RateLimitConfig{
		CleanupSeconds:   60,
		MaxIPEntries:     100,
		MaxPrefixEntries: 100,
		GlobalCPS:        0, // disabled
		PrefixCPS:        0, // disabled
		IPCPS:            1,
		IPBurst:          1,
	}
	l := NewFromConfig(cfg)
	addr := netip.MustParseAddr("192.168.1.5")
	assert.True(t, l.AllowAddr(addr))
	assert.False(t, l.AllowAddr(addr))
}

func TestLimiter_NilLimiterAllowsEverything(t *testing.T) {
	var l *Limiter
	assert.True(t, l.AllowAddr(netip.MustParseAddr("1.2.3.4")))
}

func TestLimiter_AllowString_FailsOpenOnUnparseable(t *testing.T) {
	l := NewFromConfig(config.RateLimitConfig{IPCPS: 1, IPBurst: 1, MaxIPEntries: 10, MaxPrefixEntries: 10, CleanupSeconds: 60})
	assert.True(t, l.AllowString("not-an-ip"))
}

func TestPrefixKeyFromAddr(t *testing.T) {
	v4 := netip.MustParseAddr("10.1.2.3")
	assert.Equal(t, "10.1.2.0/24", prefixKeyFromAddr(v4))

	v6 := netip.MustParseAddr("2001:db8::1")
	key := prefixKeyFromAddr(v6)
	assert.Contains(t, key, "/64")
}

func TestSummary_ReportsDisabledWhenZero(t *testing.T) {
	cfg := config.RateLimitConfig{CleanupSeconds: 60, MaxIPEntries: 10, MaxPrefixEntries: 10}
	s := Summary(cfg)
	assert.Contains(t, s, "global=disabled")
	assert.Contains(t, s, "prefix=disabled")
	assert.Contains(t, s, "ip=disabled")
}
