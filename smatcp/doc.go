// Package smatcp provides the TCP transport and session layer for SMA
// (Scale Manufacturers Association) scales reachable over an
// ethernet-to-serial bridge. It builds on the protocol primitives of the
// sma package and offers a supervised, self-healing connection plus a
// high-level Scale session.
//
// Key Features:
//   - Connection Management: Dials the scale with bounded connect attempts and tracks the connection state.
//   - Self Healing: Reconnects automatically after a connection loss with capped exponential backoff.
//   - Command Correlation: Pairs each command with its matching response line and rejects overlapping commands.
//   - Timeout Handling: Applies a per-command timeout and recycles the connection after too many consecutive timeouts.
//   - Metrics: Exposes atomic counters usable as prometheus CounterFunc or GaugeFunc values.
//   - Customization: Offers configuration options for timeouts, retry behavior, and logging.
//
// Connection Establishment:
//   - Create a ConnectionConfig with `NewConnectionConfig(address, opts...)`; the address is "host" or "host:port".
//   - Use `NewScale` to create a scale session.
//   - Call the `Open` method to establish the connection.
//
// Scale Operations:
//   - Use `Get` to read the current weight, `Zero` to zero the scale, and `GetInfo` to read the device identity.
//   - All operations take a context and respect the configured command timeout.
//
// Connection Termination:
//   - Call the `Close` method to gracefully close the session.
//
// Usage Example:
//
//	func main() {
//	    ctx := context.Background()
//
//	    cfg, err := smatcp.NewConnectionConfig("10.0.0.5",
//	        smatcp.WithCommandTimeout(2*time.Second),
//	        // other options...
//	    )
//	    // ... handle error ...
//
//	    scale, err := smatcp.NewScale(ctx, cfg)
//	    // ... handle error ...
//	    defer scale.Close()
//
//	    err = scale.Open(ctx)
//	    // ... handle error ...
//
//	    reading, err := scale.Get(ctx)
//	    // ... handle error ...
//	    fmt.Printf("%v %s stable=%v\n", reading.Mass, reading.Units, reading.Stable)
//	}
package smatcp
