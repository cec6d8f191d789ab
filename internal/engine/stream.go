package engine

import "context"

// produceFunc generates text, handing each fragment to emit in order.
type produceFunc func(ctx context.Context, emit func(string) error) error

// startStream runs produce in a goroutine and adapts it to the channel form
// of Provider.Stream. It waits for the first fragment so that failures to
// reach the backend are returned as an error instead of a channel value.
func startStream(ctx context.Context, produce produceFunc) (<-chan Chunk, error) {
	src := make(chan Chunk)
	go func() {
		defer close(src)
		err := produce(ctx, func(text string) error {
			select {
			case src <- Chunk{Text: text}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			select {
			case src <- Chunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	var first Chunk
	var ok bool
	select {
	case first, ok = <-src:
	case <-ctx.Done():
		go drain(src)
		return nil, ctx.Err()
	}
	if !ok {
		out := make(chan Chunk)
		close(out)
		return out, nil
	}
	if first.Err != nil {
		return nil, first.Err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		select {
		case out <- first:
		case <-ctx.Done():
			drain(src)
			return
		}
		for c := range src {
			select {
			case out <- c:
			case <-ctx.Done():
				drain(src)
				return
			}
		}
	}()
	return out, nil
}

func drain(ch <-chan Chunk) {
	for range ch {
	}
}
