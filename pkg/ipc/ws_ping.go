package ipc

import (
	"context"
	"time"
)

var (
	wsPingInterval = 20 * time.Second
	wsPingTimeout  = 5 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

// startWSPing keeps idle editor and event connections alive through proxies
// until ctx ends. A failed ping calls onDead.
func startWSPing(ctx context.Context, conn pinger, onDead func()) {
	if conn == nil {
		return
	}
	ticker := time.NewTicker(wsPingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil && ctx.Err() == nil {
					if onDead != nil {
						onDead()
					}
					return
				}
			}
		}
	}()
}
