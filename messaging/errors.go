package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrRoutingKeyRequired is returned when publishing to an exchange
	// without a routing key
	ErrRoutingKeyRequired = errors.New("messaging: routing key is mandatory when publishing to an exchange")
	// ErrInvalidTarget is returned for a nil or unknown publish target
	ErrInvalidTarget = errors.New("messaging: invalid publish target")
	// ErrNilHandler is returned when a consumer is built without a callback
	ErrNilHandler = errors.New("messaging: handler is required")
	// ErrInvalidQueue is returned for a queue without a name
	ErrInvalidQueue = errors.New("messaging: queue name is required")
)

// ConfigurationError reports a caller mistake detected before any network
// call is made
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("messaging configuration error: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configError(op string, err error) error {
	return &ConfigurationError{Op: op, Err: err}
}
