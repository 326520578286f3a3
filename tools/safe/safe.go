package safe

import (
	"github.com/stafflink/stafflink/logger"
)

// Go starts a goroutine that recovers from panic, so a misbehaving handler
// or subscriber cannot take down the whole gateway.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}
