// Copyright 2025 James Ross
package queryclient

import "fmt"

// classify turns a transport status/error pair into the error Query
// returns once retries are exhausted or the failure is non-retryable.
func classify(status int, err error) error {
	switch {
	case status == 0 && err != nil:
		return fmt.Errorf("query transport failure: %w", err)
	case status >= 400 && status < 500 && err != nil:
		return fmt.Errorf("query backend rejected request (status %d): %w", status, err)
	case err != nil:
		return fmt.Errorf("query backend failure (status %d): %w", status, err)
	default:
		return fmt.Errorf("query backend returned status %d", status)
	}
}
