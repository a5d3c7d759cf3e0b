package hooks

import "context"

// Filter wraps h so it only fires for the given event types.
func Filter(h Handler, types ...EventType) Handler {
	allowed := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return func(ctx context.Context, evt Event) error {
		if _, ok := allowed[evt.Type]; !ok {
			return nil
		}
		return h(ctx, evt)
	}
}
