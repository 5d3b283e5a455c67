package consensus

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	cstypes "github.com/wangzhecodingfy/rei/consensus/types"
)

func startTicker(t *testing.T) TimeoutTicker {
	tt := NewTimeoutTicker()
	tt.SetLogger(log.TestingLogger())
	require.NoError(t, tt.Start())
	return tt
}

func TestTimeoutTickerFires(t *testing.T) {
	defer leaktest.Check(t)()
	tt := startTicker(t)
	defer tt.Stop() // nolint: errcheck

	ti := timeoutInfo{Duration: 10 * time.Millisecond, Height: 1, Round: 0, Step: cstypes.RoundStepPropose}
	tt.ScheduleTimeout(ti)

	select {
	case got := <-tt.Chan():
		assert.Equal(t, ti, got)
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}
}

func TestTimeoutTickerIgnoresOlderTimeouts(t *testing.T) {
	defer leaktest.Check(t)()
	tt := startTicker(t)
	defer tt.Stop() // nolint: errcheck

	tt.ScheduleTimeout(timeoutInfo{Duration: time.Hour, Height: 1, Round: 1, Step: cstypes.RoundStepPropose})
	tt.ScheduleTimeout(timeoutInfo{Duration: time.Millisecond, Height: 1, Round: 0, Step: cstypes.RoundStepPrecommitWait})
	tt.ScheduleTimeout(timeoutInfo{Duration: time.Millisecond, Height: 1, Round: 1, Step: cstypes.RoundStepPropose})

	select {
	case got := <-tt.Chan():
		t.Fatalf("unexpected timeout %v", got)
	case <-time.After(100 * time.Millisecond):
	}

	// a later step replaces the pending timer
	later := timeoutInfo{Duration: 5 * time.Millisecond, Height: 1, Round: 1, Step: cstypes.RoundStepPrevoteWait}
	tt.ScheduleTimeout(later)
	select {
	case got := <-tt.Chan():
		assert.Equal(t, later, got)
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}
}
