package expectation

import (
	"bytes"
	"testing"
	"time"

	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/gid"
	"github.com/gopom/pom/proto"
	"github.com/stretchr/testify/require"
)

func testCE(t *testing.T) *conntrack.Entry {
	t.Helper()
	reg := proto.NewRegistry()
	tab := conntrack.NewTable(reg, 1, time.Minute)
	ce, _, _, err := tab.GetOrCreate("rtp", []byte("x"), []byte("y"), nil)
	require.NoError(t, err)
	tab.Release(ce)
	return ce
}

// TestSIPExpectationMatchesRTPFlow exercises S4: a registered expectation
// for a specific RTP 5-tuple matches the first conntrack entry created for
// it, and is consumed so it cannot match again.
func TestSIPExpectationMatchesRTPFlow(t *testing.T) {
	s := NewStore(time.Minute, time.Hour)
	wantFwd := []byte("10.0.0.1:5000->10.0.0.2:6000")

	var calledWith *conntrack.Entry
	owner := "sip-dialog-1"

	s.Register("rtp", func(fwd, rev []byte) bool {
		return bytes.Equal(fwd, wantFwd)
	}, func(ce *conntrack.Entry, o interface{}) {
		calledWith = ce
		require.Equal(t, owner, o)
	}, owner, 0)

	require.Equal(t, 1, s.Len())

	ce := testCE(t)
	matched := s.Match("rtp", wantFwd, []byte("whatever"), ce)

	require.True(t, matched)
	require.Same(t, ce, calledWith)
	require.Equal(t, 0, s.Len(), "a matched expectation must be consumed")

	matchedAgain := s.Match("rtp", wantFwd, []byte("whatever"), ce)
	require.False(t, matchedAgain, "an expectation must match at most once")
}

func TestNonMatchingProtoIsIgnored(t *testing.T) {
	s := NewStore(time.Minute, time.Hour)
	s.Register("rtp", func(fwd, rev []byte) bool { return true }, func(*conntrack.Entry, interface{}) {}, nil, 0)

	ce := testCE(t)
	matched := s.Match("sip", []byte("anything"), []byte("anything"), ce)
	require.False(t, matched)
	require.Equal(t, 1, s.Len())
}

func TestExpirationCallsOnExpire(t *testing.T) {
	s := NewStore(20*time.Millisecond, 10*time.Millisecond)

	done := make(chan struct{})
	s.OnExpire = func(id gid.ExpectationID, owner interface{}) {
		close(done)
	}

	s.Register("rtp", func([]byte, []byte) bool { return false }, func(*conntrack.Entry, interface{}) {}, "owner", 0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expectation did not expire")
	}
}
