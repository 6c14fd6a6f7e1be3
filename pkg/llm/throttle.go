package llm

import "fmt"

// ThrottleError marks a model-service rejection caused by rate or token
// quota limits. It satisfies the Throttle() bool contract that the retry
// layer checks via errors.As, so wrapped throttles are still retried.
type ThrottleError struct {
	Service string
	Code    string
	Err     error
}

func (e *ThrottleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s throttled (%s): %v", e.Service, e.Code, e.Err)
	}
	return fmt.Sprintf("%s throttled (%s)", e.Service, e.Code)
}

func (e *ThrottleError) Unwrap() error { return e.Err }

// Throttle marks this error as a rate-limit rejection.
func (e *ThrottleError) Throttle() bool { return true }
