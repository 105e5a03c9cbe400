package utils

import (
	"log"
	"runtime"
	"time"
)

// MonitorResources logs goroutine and heap usage periodically until quit
// closes. Long testbed runs use it to spot leaks in the field logs.
func MonitorResources(interval time.Duration, quit <-chan struct{}) {
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		var memStats runtime.MemStats
		for {
			select {
			case <-quit:
				return
			case <-tick.C:
				runtime.ReadMemStats(&memStats)
				log.Printf("[resources] goroutines %d, heap %.2f KB, objects %d",
					runtime.NumGoroutine(),
					float64(memStats.HeapAlloc)/1024,
					memStats.HeapObjects,
				)
			}
		}
	}()
}
