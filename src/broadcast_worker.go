package main

import (
	"context"

	"github.com/ryansname/chargectl/src/charging"
)

// broadcastWorker receives engine status and fans it out to the downstream
// workers. A full downstream channel drops that update.
func broadcastWorker(ctx context.Context, inputChan <-chan charging.Status, outputChans []chan<- charging.Status) {
	for {
		select {
		case st := <-inputChan:
			for i, ch := range outputChans {
				select {
				case ch <- st:
				case <-ctx.Done():
					return
				default:
					log.Debugf("Downstream worker %d channel full, dropping status", i)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}
