package gate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type step int

const (
	stepConnect step = iota
	stepDiscover
)

type GateTestSuite struct {
	suite.Suite
}

func (s *GateTestSuite) TestSignalBeforeTimeout() {
	// GOAL: Verify a matching signal wakes the waiter with the signalled result
	//
	// TEST SCENARIO: Arm → signal from another goroutine → Wait returns nil well before timeout
	g := New[step]()
	g.Arm(stepConnect)

	go func() {
		time.Sleep(10 * time.Millisecond)
		g.Signal(stepConnect, nil)
	}()

	start := time.Now()
	s.NoError(g.Wait(5 * time.Second))
	s.Less(time.Since(start), time.Second, "waiter MUST wake on signal, not on timeout")
}

func (s *GateTestSuite) TestSignalCarriesError() {
	g := New[step]()
	g.Arm(stepConnect)
	cause := errors.New("procedure failed")

	s.True(g.Signal(stepConnect, cause))
	s.ErrorIs(g.Wait(time.Second), cause)
}

func (s *GateTestSuite) TestTimeout() {
	g := New[step]()
	g.Arm(stepDiscover)

	start := time.Now()
	err := g.Wait(30 * time.Millisecond)
	s.ErrorIs(err, ErrTimeout)
	s.GreaterOrEqual(time.Since(start), 30*time.Millisecond)
}

func (s *GateTestSuite) TestStaleAndMismatchedSignalsIgnored() {
	// GOAL: Verify signals for other steps, repeated signals and post-wait signals never corrupt the slot
	//
	// TEST SCENARIO: Arm discover → signal connect (ignored) → signal discover ok → signal discover err (ignored)
	g := New[step]()

	s.False(g.Signal(stepConnect, nil), "idle gate MUST ignore signals")

	g.Arm(stepDiscover)
	s.False(g.Signal(stepConnect, nil), "mismatched step MUST be ignored")
	s.True(g.Signal(stepDiscover, nil))
	s.False(g.Signal(stepDiscover, errors.New("late")), "second signal MUST be ignored")
	s.NoError(g.Wait(time.Second))

	s.False(g.Signal(stepDiscover, nil), "signal after wait returned MUST be ignored")
}

func (s *GateTestSuite) TestLateSignalAfterTimeoutDoesNotLeakIntoNextWait() {
	g := New[step]()
	g.Arm(stepConnect)
	s.ErrorIs(g.Wait(10*time.Millisecond), ErrTimeout)
	s.False(g.Signal(stepConnect, nil))

	g.Arm(stepConnect)
	s.ErrorIs(g.Wait(10*time.Millisecond), ErrTimeout, "a new wait MUST start unresolved")
}

func (s *GateTestSuite) TestWaitWithoutArm() {
	s.ErrorIs(New[step]().Wait(time.Millisecond), ErrNotArmed)
}

func (s *GateTestSuite) TestStep() {
	g := New[step]()
	_, armed := g.Step()
	s.False(armed)

	g.Arm(stepDiscover)
	st, armed := g.Step()
	s.True(armed)
	s.Equal(stepDiscover, st)
}

func (s *GateTestSuite) TestConcurrentSignalsResolveOnce() {
	g := New[step]()
	g.Arm(stepConnect)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Signal(stepConnect, nil) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Equal(1, wins, "exactly one signal MUST win")
	s.NoError(g.Wait(time.Second))
}

func TestGateTestSuite(t *testing.T) {
	suite.Run(t, new(GateTestSuite))
}
