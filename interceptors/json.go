package interceptors

import (
	"context"

	"github.com/glimte/rabbitsafe/contracts"
	"github.com/glimte/rabbitsafe/serialization"
)

// JSONBody adapts a typed callback into a Handler. The body is decoded with
// serialization.DecodeJSON; a body that is not valid JSON is rejected so it
// goes straight to the dead queue instead of being retried.
func JSONBody[T any](fn func(ctx context.Context, d *contracts.Delivery, payload T) error) HandlerFunc {
	return func(ctx context.Context, d *contracts.Delivery) error {
		var payload T
		if err := serialization.DecodeJSON(d.Body, &payload); err != nil {
			return contracts.Reject(err.Error())
		}
		return fn(ctx, d, payload)
	}
}
