package script

import "fmt"

// ExitError reports a script that spawned and ran but exited non-zero. Spawn
// failures (missing interpreter, exec permission denied) are returned as
// wrapped errors from the exec layer instead, so the two failure paths stay
// distinguishable to callers.
type ExitError struct {
	Script string
	Code   int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("script %s exited with code %d", e.Script, e.Code)
}
