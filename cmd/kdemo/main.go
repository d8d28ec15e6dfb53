package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aclements/go-moremath/stats"

	"github.com/qxcheng/ksched/kernel"
	"github.com/qxcheng/ksched/pipe"
)

var (
	cpus      = flag.Int("cpus", 2, "number of processors")
	tick      = flag.Duration("tick", time.Millisecond, "timer interrupt period")
	slice     = flag.Int("slice", kernel.DefaultTimeSlice, "time slice in ticks")
	producers = flag.Int("producers", 4, "number of producer threads")
	consumers = flag.Int("consumers", 2, "number of consumer threads")
	items     = flag.Int("items", 1000, "items written by each producer")
	slots     = flag.Int("slots", 2, "producers allowed to write at the same time")
	capacity  = flag.Int("capacity", 64, "pipe capacity in bytes")
	sleep     = flag.Duration("sleep", 2*time.Millisecond, "producer sleep between items")
	every     = flag.Int("sleep-every", 100, "sleep after this many items")
	lockcheck = flag.Bool("lockcheck", false, "check the lock order at run time")
	dot       = flag.String("dot", "", "write the lock order graph to this file")
)

const itemSize = 8

// samples collects durations reported by threads.
type samples struct {
	mu sync.Mutex
	xs []float64
}

func (s *samples) add(d int64) {
	s.mu.Lock()
	s.xs = append(s.xs, float64(d)/float64(time.Microsecond))
	s.mu.Unlock()
}

func (s *samples) report(w io.Writer, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.xs) == 0 {
		fmt.Fprintf(w, "%s: no samples\n", name)
		return
	}
	sample := stats.Sample{Xs: s.xs}
	sample.Sort()
	lo, hi := sample.Bounds()
	fmt.Fprintf(w, "%s (us): n=%d mean=%.1f stddev=%.1f min=%.1f p50=%.1f p90=%.1f p99=%.1f max=%.1f\n",
		name, len(s.xs), sample.Mean(), sample.StdDev(), lo,
		sample.Quantile(0.5), sample.Quantile(0.9), sample.Quantile(0.99), hi)
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	if *sleep > 0 && *tick <= 0 {
		log.Fatal("-sleep needs a positive -tick, sleeps only expire on ticks")
	}
	if *producers <= 0 || *consumers <= 0 {
		log.Fatal("need at least one producer and one consumer")
	}

	k := kernel.New(kernel.Options{
		NumProcessors: *cpus,
		TickPeriod:    *tick,
		TimeSlice:     *slice,
		LockCheck:     *lockcheck,
		Logger:        log.Default(),
	})
	k.Start()

	var (
		latency   samples
		overshoot samples
		p         = pipe.New(*capacity)
		sem       = kernel.NewSemaphore(*slots)
	)

	start := time.Now()
	var writers []*kernel.Thread
	for i := 0; i < *producers; i++ {
		th, err := k.Spawn(i%*cpus, fmt.Sprintf("producer%d", i), func(th *kernel.Thread) {
			var item [itemSize]byte
			for j := 0; j < *items; j++ {
				if err := sem.Wait(th, false); err != nil {
					log.Printf("%v: %v", th, err)
					return
				}
				binary.LittleEndian.PutUint64(item[:], uint64(k.Now()))
				_, err := p.Write(th, item[:])
				sem.Post()
				if err != nil {
					log.Printf("%v: %v", th, err)
					return
				}

				if *sleep > 0 && *every > 0 && (j+1)%*every == 0 {
					t0 := k.Now()
					th.Sleep(*sleep)
					overshoot.add(k.Now() - t0 - int64(*sleep))
				}
				th.MaybeYield()
			}
		})
		if err != nil {
			log.Fatal(err)
		}
		writers = append(writers, th)
	}

	var readers []*kernel.Thread
	for i := 0; i < *consumers; i++ {
		th, err := k.Spawn((i+1)%*cpus, fmt.Sprintf("consumer%d", i), func(th *kernel.Thread) {
			var item [itemSize]byte
			for {
				if _, err := p.Read(th, item[:]); err != nil {
					if err != io.EOF {
						log.Printf("%v: %v", th, err)
					}
					return
				}
				latency.add(k.Now() - int64(binary.LittleEndian.Uint64(item[:])))
			}
		})
		if err != nil {
			log.Fatal(err)
		}
		readers = append(readers, th)
	}

	for _, th := range writers {
		th.Join()
	}
	// 所有生产者退出后关闭管道，消费者读到EOF后退出
	p.Close()
	for _, th := range readers {
		th.Join()
	}
	elapsed := time.Since(start)

	k.Dump(os.Stdout)
	k.Stop()

	fmt.Printf("moved %d items in %v\n", *producers**items, elapsed)
	latency.report(os.Stdout, "pipe latency")
	overshoot.report(os.Stdout, "sleep overshoot")

	if *dot != "" {
		f, err := os.Create(*dot)
		if err != nil {
			log.Fatal(err)
		}
		k.WriteLockGraph(f)
		if err := f.Close(); err != nil {
			log.Fatal(err)
		}
	}
}
