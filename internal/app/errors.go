package app

import "fmt"

// FatalConfigurationError reports a startup problem the process cannot run
// past: an unreadable or invalid config, an unusable ledger, or a bot
// credential the Bot API rejects.
type FatalConfigurationError struct {
	Op  string
	Err error
}

func (e *FatalConfigurationError) Error() string {
	return fmt.Sprintf("fatal configuration error: %s: %v", e.Op, e.Err)
}

func (e *FatalConfigurationError) Unwrap() error { return e.Err }

func fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalConfigurationError{Op: op, Err: err}
}
