// Package gateway is the caller-facing handle onto an execution context.
//
// New probes the hosting environment once, picks a strategy (shared, private
// or direct) and connects the matching transport. Calls are correlated by id
// and time out on their own; broadcasts are fanned out to local subscribers
// by a single dispatcher goroutine, so each topic sees its payloads in the
// order the context sent them.
//
// A gateway also owns an event bus and the mirrored UI state. The auth and
// panel containers follow their topics, and the Mirror's actions update them
// optimistically before telling the context.
//
//	gw, err := gateway.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer gw.Close()
//
//	unsubscribe := gw.Subscribe("metrics", func(p json.RawMessage) { ... })
//	defer unsubscribe()
//
//	var pong struct{ Pong bool }
//	err = gw.CallInto(ctx, "ping", nil, &pong)
package gateway
