// Package centrifuge implements a WebSocket client for Centrifugo-compatible
// real-time messaging servers.
//
// The client:
//   - Multiplexes commands and asynchronous pushes over one connection
//   - Correlates replies to commands by id and times out unanswered commands
//   - Tracks per-channel subscriptions with stream recovery positions
//   - Reconnects with exponential backoff and re-subscribes automatically
//   - Refreshes expiring connection tokens through a caller-supplied provider
package centrifuge
