package contracts

import (
	"fmt"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Wire-visible header names
const (
	HeaderUUID       = "uuid"
	HeaderRetries    = "retries"
	HeaderErrorTrail = "error_trail"
	HeaderDebounced  = "debounced"
)

// Delivery is a message received from the broker together with its mutable
// envelope headers.
type Delivery struct {
	amqp.Delivery
}

// NewDelivery wraps a broker delivery, making sure it has a header table
func NewDelivery(d amqp.Delivery) *Delivery {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}
	return &Delivery{Delivery: d}
}

// UUID returns the message uuid or an empty string
func (d *Delivery) UUID() string {
	return HeaderString(d.Headers, HeaderUUID)
}

// SetUUID stores the message uuid in the envelope
func (d *Delivery) SetUUID(id string) {
	d.headers()[HeaderUUID] = id
}

// Retries returns the number of delivery attempts recorded so far
func (d *Delivery) Retries() int {
	return HeaderInt(d.Headers, HeaderRetries)
}

// IncrementRetries records one more delivery attempt and returns the new count
func (d *Delivery) IncrementRetries() int {
	n := d.Retries() + 1
	d.headers()[HeaderRetries] = int32(n)
	return n
}

// ErrorTrail returns the recorded failure history, oldest first
func (d *Delivery) ErrorTrail() []string {
	return HeaderStrings(d.Headers, HeaderErrorTrail)
}

// AppendError adds a failure description to the error trail
func (d *Delivery) AppendError(msg string) {
	trail := d.ErrorTrail()
	values := make([]interface{}, 0, len(trail)+1)
	for _, s := range trail {
		values = append(values, s)
	}
	values = append(values, msg)
	d.headers()[HeaderErrorTrail] = values
}

// Debounced reports whether the debounce gate already deferred this message
func (d *Delivery) Debounced() bool {
	v, _ := d.Headers[HeaderDebounced].(bool)
	return v
}

// MarkDebounced flags the message as deferred by the debounce gate
func (d *Delivery) MarkDebounced() {
	d.headers()[HeaderDebounced] = true
}

func (d *Delivery) headers() amqp.Table {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}
	return d.Headers
}

// HeaderString reads a string header
func HeaderString(headers amqp.Table, key string) string {
	switch v := headers[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// HeaderInt reads an integer header. AMQP tables decode integers into
// whatever width was written, so every width is accepted.
func HeaderInt(headers amqp.Table, key string) int {
	switch v := headers[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// HeaderStrings reads an array-of-strings header
func HeaderStrings(headers amqp.Table, key string) []string {
	switch v := headers[key].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			case []byte:
				out = append(out, string(s))
			default:
				out = append(out, fmt.Sprint(s))
			}
		}
		return out
	case []string:
		return append([]string(nil), v...)
	default:
		return nil
	}
}

// CopyHeaders returns a shallow copy of a header table
func CopyHeaders(headers amqp.Table) amqp.Table {
	out := make(amqp.Table, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
