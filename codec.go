package centrifuge

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire format: JSON command/reply objects over a WebSocket. A command
// carries an id and exactly one method object. A server frame may contain
// several newline-delimited replies. A reply without id and without push is
// a server ping; the client answers with an empty object when asked to.

type command struct {
	ID            uint32                `json:"id,omitempty"`
	Connect       *connectRequest       `json:"connect,omitempty"`
	Subscribe     *subscribeRequest     `json:"subscribe,omitempty"`
	Unsubscribe   *unsubscribeRequest   `json:"unsubscribe,omitempty"`
	Publish       *publishRequest       `json:"publish,omitempty"`
	History       *historyRequest       `json:"history,omitempty"`
	Presence      *presenceRequest      `json:"presence,omitempty"`
	PresenceStats *presenceStatsRequest `json:"presence_stats,omitempty"`
	Refresh       *refreshRequest       `json:"refresh,omitempty"`
	SubRefresh    *subRefreshRequest    `json:"sub_refresh,omitempty"`
	RPC           *rpcRequest           `json:"rpc,omitempty"`
}

type reply struct {
	ID            uint32               `json:"id,omitempty"`
	Error         *errorInfo           `json:"error,omitempty"`
	Push          *pushFrame           `json:"push,omitempty"`
	Connect       *connectResult       `json:"connect,omitempty"`
	Subscribe     *subscribeResult     `json:"subscribe,omitempty"`
	Unsubscribe   *unsubscribeResult   `json:"unsubscribe,omitempty"`
	Publish       *publishResult       `json:"publish,omitempty"`
	History       *historyResult       `json:"history,omitempty"`
	Presence      *presenceResult      `json:"presence,omitempty"`
	PresenceStats *presenceStatsResult `json:"presence_stats,omitempty"`
	Refresh       *refreshResult       `json:"refresh,omitempty"`
	SubRefresh    *subRefreshResult    `json:"sub_refresh,omitempty"`
	RPC           *rpcResult           `json:"rpc,omitempty"`
}

// isPing reports whether the reply is a server ping frame.
func (r *reply) isPing() bool {
	return r.ID == 0 && r.Push == nil
}

type errorInfo struct {
	Code      uint32 `json:"code"`
	Message   string `json:"message"`
	Temporary bool   `json:"temporary,omitempty"`
}

type connectRequest struct {
	Token   string `json:"token,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type connectResult struct {
	Client  string          `json:"client"`
	Version string          `json:"version"`
	Expires bool            `json:"expires"`
	TTL     uint32          `json:"ttl"`
	Ping    uint32          `json:"ping"`
	Pong    bool            `json:"pong"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type subscribeRequest struct {
	Channel string `json:"channel"`
	Token   string `json:"token,omitempty"`
	Recover bool   `json:"recover,omitempty"`
	Offset  uint64 `json:"offset,omitempty"`
	Epoch   string `json:"epoch,omitempty"`
}

type subscribeResult struct {
	Recoverable   bool              `json:"recoverable"`
	Positioned    bool              `json:"positioned"`
	Recovered     bool              `json:"recovered"`
	WasRecovering bool              `json:"was_recovering"`
	Offset        uint64            `json:"offset"`
	Epoch         string            `json:"epoch"`
	Publications  []publicationInfo `json:"publications,omitempty"`
	Expires       bool              `json:"expires"`
	TTL           uint32            `json:"ttl"`
	Data          json.RawMessage   `json:"data,omitempty"`
}

type unsubscribeRequest struct {
	Channel string `json:"channel"`
}

type unsubscribeResult struct{}

type publishRequest struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type publishResult struct{}

type streamPositionInfo struct {
	Offset uint64 `json:"offset"`
	Epoch  string `json:"epoch"`
}

type historyRequest struct {
	Channel string              `json:"channel"`
	Limit   int32               `json:"limit,omitempty"`
	Since   *streamPositionInfo `json:"since,omitempty"`
	Reverse bool                `json:"reverse,omitempty"`
}

type historyResult struct {
	Publications []publicationInfo `json:"publications,omitempty"`
	Offset       uint64            `json:"offset"`
	Epoch        string            `json:"epoch"`
}

type presenceRequest struct {
	Channel string `json:"channel"`
}

type presenceResult struct {
	Presence map[string]clientInfoJSON `json:"presence"`
}

type presenceStatsRequest struct {
	Channel string `json:"channel"`
}

type presenceStatsResult struct {
	NumClients uint32 `json:"num_clients"`
	NumUsers   uint32 `json:"num_users"`
}

type refreshRequest struct {
	Token string `json:"token"`
}

type refreshResult struct {
	Client  string `json:"client"`
	Version string `json:"version"`
	Expires bool   `json:"expires"`
	TTL     uint32 `json:"ttl"`
}

type subRefreshRequest struct {
	Channel string `json:"channel"`
	Token   string `json:"token"`
}

type subRefreshResult struct {
	Expires bool   `json:"expires"`
	TTL     uint32 `json:"ttl"`
}

type rpcRequest struct {
	Method string          `json:"method,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type rpcResult struct {
	Data json.RawMessage `json:"data,omitempty"`
}

type publicationInfo struct {
	Offset uint64          `json:"offset,omitempty"`
	Data   json.RawMessage `json:"data"`
	Info   *clientInfoJSON `json:"info,omitempty"`
}

type clientInfoJSON struct {
	Client   string          `json:"client"`
	User     string          `json:"user"`
	ConnInfo json.RawMessage `json:"conn_info,omitempty"`
	ChanInfo json.RawMessage `json:"chan_info,omitempty"`
}

func (ci *clientInfoJSON) toClientInfo() ClientInfo {
	return ClientInfo{
		Client:   ci.Client,
		User:     ci.User,
		ConnInfo: ci.ConnInfo,
		ChanInfo: ci.ChanInfo,
	}
}

func (p *publicationInfo) toPublication() Publication {
	pub := Publication{
		Offset: p.Offset,
		Data:   p.Data,
	}
	if p.Info != nil {
		info := p.Info.toClientInfo()
		pub.Info = &info
	}
	return pub
}

type pushFrame struct {
	Channel     string           `json:"channel"`
	Pub         *publicationInfo `json:"pub,omitempty"`
	Join        *joinPush        `json:"join,omitempty"`
	Leave       *leavePush       `json:"leave,omitempty"`
	Unsubscribe *unsubscribePush `json:"unsubscribe,omitempty"`
	Disconnect  *disconnectPush  `json:"disconnect,omitempty"`
}

type joinPush struct {
	Info clientInfoJSON `json:"info"`
}

type leavePush struct {
	Info clientInfoJSON `json:"info"`
}

type unsubscribePush struct {
	Code   uint32 `json:"code"`
	Reason string `json:"reason"`
}

type disconnectPush struct {
	Code   uint32 `json:"code"`
	Reason string `json:"reason"`
}

// encodeCommand serializes a command to its wire representation. It does not
// fail for well-formed command values.
func encodeCommand(cmd *command) ([]byte, error) {
	return json.Marshal(cmd)
}

// encodePong returns the wire representation of a pong frame.
func encodePong() []byte {
	return []byte("{}")
}

// decodeReplies parses one transport frame into replies. Frames may carry
// several newline-delimited replies; their order is preserved. A line that
// does not parse wraps ErrMalformedFrame, but replies decoded from the
// other lines are still returned so one bad line does not discard the
// frame. Decoding is pure and leaves no state behind.
func decodeReplies(data []byte) ([]*reply, error) {
	var replies []*reply
	var firstErr error
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var r reply
		if err := json.Unmarshal(line, &r); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			continue
		}
		replies = append(replies, &r)
	}
	return replies, firstErr
}
