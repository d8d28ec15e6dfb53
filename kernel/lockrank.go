package kernel

import (
	"io"

	"github.com/qxcheng/ksched/pkg/lockrank"
)

// Lock classes of the scheduling core, outermost first. The interrupt gate
// is not ranked: it is taken with no other lock held, and the tick path only
// ever try-locks it.
const (
	rankSemaphore lockrank.Rank = iota
	rankCond
	rankSleepers
	rankWaitQueue
	rankSched
	rankThread
)

// lockOrder lists, for each class, the classes that may be held when it is
// acquired.
var lockOrder = lockrank.MustNewOrder(
	[]string{"semaphore", "cond", "sleepers", "waitqueue", "sched", "thread"},
	map[lockrank.Rank][]lockrank.Rank{
		rankCond:      {rankSemaphore},
		rankWaitQueue: {rankCond, rankSleepers},
		rankSched:     {rankWaitQueue},
		rankThread:    {rankWaitQueue, rankSched},
	},
)

// SetLockCheck turns lock order checking on or off for every kernel in the
// process and returns the previous setting.
func SetLockCheck(v bool) bool {
	return lockOrder.SetEnabled(v)
}

// WriteLockGraph writes the lock order of the scheduling core as a graphviz
// digraph.
func WriteLockGraph(w io.Writer) {
	lockOrder.WriteDot(w)
}
