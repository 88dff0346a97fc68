// Package sdk provides a Go client for the codex app-server JSON-RPC protocol.
//
// # Architecture
//
// The SDK is organized into several layers:
//
//   - frame: newline-delimited JSON-RPC codec (split, classify, encode)
//   - transport: app-server subprocess with bounded, backpressured framing
//   - Connection: handshake, request/response correlation, subscriber fan-out
//
// # Quick Start
//
//	conn, err := sdk.Open(ctx, sdk.Config{
//	    ClientInfo: sdk.ClientInfo{Name: "my_app", Version: "1.0.0"},
//	})
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	if err := conn.AwaitReady(ctx, 10*time.Second); err != nil {
//	    return err
//	}
//
//	result, err := conn.Request(ctx, "thread/start", map[string]any{"cwd": "/tmp"}, 0)
//
// # Notifications and Server Requests
//
// Subscribers receive notifications and server-initiated requests, optionally
// filtered by method and thread id:
//
//	sub, err := conn.Subscribe(ctx, sdk.Filter{ThreadID: threadID})
//	for ev := range sub.Events {
//	    switch ev.Kind {
//	    case sdk.EventNotification:
//	        fmt.Println(ev.Method)
//	    case sdk.EventServerRequest:
//	        conn.Respond(ev.ID, map[string]any{"decision": "accept"})
//	    }
//	}
//
// # Errors
//
// Peer errors are returned as *frame.Error. Connection failures wrap the
// sentinels in errors.go and can be checked with errors.Is:
//
//	if errors.Is(err, sdk.ErrTimeout) { ... }
//	if errors.Is(err, sdk.ErrConnectionLost) { ... }
//
// Retrying callers use Delay (or a custom Backoff) between attempts; a
// Connection never retries on its own.
package sdk
