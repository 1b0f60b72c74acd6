package realtime

import "fmt"

// invokeSafely executes fn and converts panics into returned errors tagged with scope.
func invokeSafely(scope string, fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("%s: panic recovered: %v", scope, recovered)
	}()

	return fn()
}
