package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func slot(id string, dropped *[]string) workerSlot {
	return workerSlot{
		WorkerID: id,
		Drop: func(reason string) {
			*dropped = append(*dropped, id+":"+reason)
		},
	}
}

func TestSupervisor_OpenIfFreeRejectsSecondWorker(t *testing.T) {
	sv := NewSupervisor()
	var dropped []string

	ok1, err := sv.RegisterSubscriptionConnection("sub", OpenIfFree, slot("a", &dropped))
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := sv.RegisterSubscriptionConnection("sub", OpenIfFree, slot("b", &dropped))
	require.NoError(t, err)
	require.False(t, ok2)

	require.Equal(t, []string{"a"}, sv.ActiveWorkers("sub"))
	require.Empty(t, dropped)
}

func TestSupervisor_WaitForFreeQueuesAndPromotesOnUnregister(t *testing.T) {
	sv := NewSupervisor()
	var dropped []string

	ok1, err := sv.RegisterSubscriptionConnection("sub", WaitForFree, slot("a", &dropped))
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := sv.RegisterSubscriptionConnection("sub", WaitForFree, slot("b", &dropped))
	require.NoError(t, err)
	require.False(t, ok2)
	require.Equal(t, []string{"a"}, sv.ActiveWorkers("sub"))

	sv.UnregisterSubscriptionConnection("sub", "a")
	require.Equal(t, []string{"b"}, sv.ActiveWorkers("sub"))
}

func TestSupervisor_TakeOverDropsPriorActiveWorker(t *testing.T) {
	sv := NewSupervisor()
	var dropped []string

	_, err := sv.RegisterSubscriptionConnection("sub", TakeOver, slot("a", &dropped))
	require.NoError(t, err)

	ok, err := sv.RegisterSubscriptionConnection("sub", TakeOver, slot("b", &dropped))
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, []string{"a:taken over"}, dropped)
	require.Equal(t, []string{"b"}, sv.ActiveWorkers("sub"))
}

func TestSupervisor_ConcurrentAdmitsAllWorkers(t *testing.T) {
	sv := NewSupervisor()
	var dropped []string

	ok1, err := sv.RegisterSubscriptionConnection("sub", Concurrent, slot("a", &dropped))
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := sv.RegisterSubscriptionConnection("sub", Concurrent, slot("b", &dropped))
	require.NoError(t, err)
	require.True(t, ok2)

	require.ElementsMatch(t, []string{"a", "b"}, sv.ActiveWorkers("sub"))
}

func TestSupervisor_DropSubscriptionConnectionPromotesWaiter(t *testing.T) {
	sv := NewSupervisor()
	var dropped []string

	_, err := sv.RegisterSubscriptionConnection("sub", WaitForFree, slot("a", &dropped))
	require.NoError(t, err)
	_, err = sv.RegisterSubscriptionConnection("sub", WaitForFree, slot("b", &dropped))
	require.NoError(t, err)

	sv.DropSubscriptionConnection("sub", "administrator request")

	require.Equal(t, []string{"a:administrator request"}, dropped)
	require.Equal(t, []string{"b"}, sv.ActiveWorkers("sub"))
}

func TestSupervisor_RecordFailureTripsAfterMaxErroneousPeriod(t *testing.T) {
	sv := NewSupervisor()
	var dropped []string
	_, err := sv.RegisterSubscriptionConnection("sub", OpenIfFree, slot("a", &dropped))
	require.NoError(t, err)

	require.False(t, sv.RecordFailure("sub", 10*time.Millisecond))
	time.Sleep(15 * time.Millisecond)
	require.True(t, sv.RecordFailure("sub", 10*time.Millisecond))
}

func TestSupervisor_RegisterResetsFailureClock(t *testing.T) {
	sv := NewSupervisor()
	var dropped []string
	_, err := sv.RegisterSubscriptionConnection("sub", WaitForFree, slot("a", &dropped))
	require.NoError(t, err)

	require.False(t, sv.RecordFailure("sub", 10*time.Millisecond))
	time.Sleep(15 * time.Millisecond)

	// A fresh successful registration (e.g. worker b joining the queue)
	// resets the failure stopwatch, preventing a stale failure from
	// tripping max_erroneous_period after the connection has recovered.
	_, err = sv.RegisterSubscriptionConnection("sub", WaitForFree, slot("b", &dropped))
	require.NoError(t, err)
	require.False(t, sv.RecordFailure("sub", 10*time.Millisecond))
}

func TestSupervisor_UnknownStrategyIsRejected(t *testing.T) {
	sv := NewSupervisor()
	var dropped []string
	_, err := sv.RegisterSubscriptionConnection("sub", Strategy(99), slot("a", &dropped))
	require.Error(t, err)
}
