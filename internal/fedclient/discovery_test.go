package fedclient

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLiteralHostPortSkipsWellKnown(t *testing.T) {
	r := NewResolver(time.Minute, time.Minute)
	dest, err := r.Resolve("a.test:8448")
	require.NoError(t, err)
	assert.Equal(t, "literal", dest.ResolvedBy)
	assert.Equal(t, "a.test:8448", dest.Addr)
}

func TestResolveCachesNegativeResult(t *testing.T) {
	r := NewResolver(time.Minute, time.Minute)
	calls := 0
	r.wellKnownGet = func(serverName string) (string, error) {
		calls++
		return "", fmt.Errorf("no well-known")
	}
	r.srvLookup = func(serverName string) (string, uint16, error) {
		return "", 0, fmt.Errorf("no srv")
	}

	_, err1 := r.Resolve("nonexistent.invalid")
	_, err2 := r.Resolve("nonexistent.invalid")
	require.Error(t, err1)
	require.Error(t, err2)
	assert.Equal(t, 1, calls, "second Resolve should hit the cache, not re-query well-known")
}

func TestResolveFollowsWellKnownDelegation(t *testing.T) {
	r := NewResolver(time.Minute, time.Minute)
	r.wellKnownGet = func(serverName string) (string, error) {
		return "delegated.test:1234", nil
	}
	dest, err := r.Resolve("a.test")
	require.NoError(t, err)
	assert.Equal(t, "well-known", dest.ResolvedBy)
	assert.Equal(t, "delegated.test:1234", dest.Addr)
	assert.Equal(t, "a.test", dest.TLSServer, "TLS server name stays the original name, not the delegated host")
}
