package centrifuge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// State represents the lifecycle state of a client connection.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
)

// Config configures a Client.
type Config struct {
	// Token is the connection token sent with the handshake.
	Token string

	// GetToken supplies connection tokens when Token is empty and refreshed
	// tokens when the server reports the current one nearing expiry.
	GetToken func(ctx context.Context) (string, error)

	// Name and Version identify this client to the server.
	Name    string
	Version string

	// Timeout bounds every command round trip, the handshake included.
	Timeout time.Duration

	// MinReconnectDelay and MaxReconnectDelay bound the reconnect backoff.
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration

	// MaxServerPingDelay is how long past the announced ping interval the
	// client waits before treating the connection as dead.
	MaxServerPingDelay time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// FrameBufferSize is the transport frame channel buffer size.
	FrameBufferSize int

	// MalformedFrameLimit is the number of consecutive undecodable frames
	// tolerated before the connection is torn down and re-established.
	MalformedFrameLimit int

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:                "go",
		Timeout:             5 * time.Second,
		MinReconnectDelay:   200 * time.Millisecond,
		MaxReconnectDelay:   20 * time.Second,
		MaxServerPingDelay:  10 * time.Second,
		HandshakeTimeout:    10 * time.Second,
		WriteTimeout:        5 * time.Second,
		FrameBufferSize:     128,
		MalformedFrameLimit: 8,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.MinReconnectDelay == 0 {
		c.MinReconnectDelay = def.MinReconnectDelay
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if c.MaxServerPingDelay == 0 {
		c.MaxServerPingDelay = def.MaxServerPingDelay
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.FrameBufferSize == 0 {
		c.FrameBufferSize = def.FrameBufferSize
	}
	if c.MalformedFrameLimit == 0 {
		c.MalformedFrameLimit = def.MalformedFrameLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// StreamPosition is an offset/epoch marker in a channel stream. It lets the
// server replay publications missed while the client was away.
type StreamPosition struct {
	Offset uint64
	Epoch  string
}

// ClientInfo describes a connected client, as attached to publications,
// join/leave events and presence results.
type ClientInfo struct {
	Client   string
	User     string
	ConnInfo json.RawMessage
	ChanInfo json.RawMessage
}

// Publication is a message published into a channel.
type Publication struct {
	Offset uint64
	Data   json.RawMessage
	Info   *ClientInfo
}

// PublishResult is the result of a publish command.
type PublishResult struct{}

// HistoryOptions controls a history command.
type HistoryOptions struct {
	Limit   int32
	Since   *StreamPosition
	Reverse bool
}

// HistoryResult holds channel history and the current stream position.
type HistoryResult struct {
	Publications []Publication
	Offset       uint64
	Epoch        string
}

// PresenceResult holds clients currently subscribed to a channel.
type PresenceResult struct {
	Clients map[string]ClientInfo
}

// PresenceStatsResult holds short presence information about a channel.
type PresenceStatsResult struct {
	NumClients uint32
	NumUsers   uint32
}

// RPCResult is the result of an rpc command.
type RPCResult struct {
	Data json.RawMessage
}
