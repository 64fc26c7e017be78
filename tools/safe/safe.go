package safe

import "privet/logger"

// Go starts a goroutine that recovers from panic, so that a panicking
// handler doesn't take the whole relay down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}
