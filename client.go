package centrifuge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Client is a connection to a Centrifugo-compatible server. It owns the
// transport, correlates commands with replies, dispatches pushes to channel
// subscriptions and reconnects with backoff when the transport fails.
//
// All state transitions and map mutations happen under one mutex; handler
// callbacks are invoked from the read loop, sequentially per connection.
type Client struct {
	url    string
	cfg    Config
	logger *slog.Logger

	mu                sync.Mutex
	state             State
	clientID          string
	token             string
	gen               uint64
	transport         *transport
	disp              *dispatcher
	subs              map[string]*Subscription
	reconnectAttempts int
	closed            bool
	sendPong          bool
	pingInterval      time.Duration
	refreshTimer      *time.Timer
	pingTimer         *time.Timer

	closeCh chan struct{}
}

// New creates a client for the given WebSocket address. The client starts
// in StateDisconnected; call Connect to establish the session.
func New(url string, cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		url:     url,
		cfg:     cfg,
		logger:  cfg.Logger,
		state:   StateDisconnected,
		token:   cfg.Token,
		subs:    make(map[string]*Subscription),
		closeCh: make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the server-issued client identifier, empty until the
// first successful handshake.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Connect establishes the session: opens the transport and performs the
// authenticating handshake. A dial failure returns a *ConnectError; a
// rejected or timed out handshake returns a *AuthError. Both leave the
// client in StateDisconnected. Calling Connect while already connecting or
// connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.connectOnce(ctx); err != nil {
		c.mu.Lock()
		if !c.closed {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Close tears the session down: pending commands fail with ErrClientClosed,
// the transport is closed and the client moves to StateDisconnected. Close
// is idempotent and terminal; the client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	c.reconnectAttempts = 0
	c.stopTimersLocked()
	t := c.transport
	c.transport = nil
	disp := c.disp
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	close(c.closeCh)
	c.mu.Unlock()

	if disp != nil {
		disp.failAll(ErrClientClosed)
	}
	if t != nil {
		t.Close()
	}
	for _, sub := range subs {
		sub.mu.Lock()
		sub.state = SubStateUnsubscribed
		sub.stopRefreshLocked()
		sub.mu.Unlock()
	}

	c.logger.Debug("client closed")
	return nil
}

// Subscribe registers interest in a channel. The subscribe command is sent
// asynchronously once the client is connected; progress is reported through
// the events callbacks. Returns ErrAlreadySubscribed when the channel
// already has an active or suspended subscription.
func (c *Client) Subscribe(channel string, events SubscriptionEvents, opts ...SubscribeOption) (*Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if _, ok := c.subs[channel]; ok {
		c.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}

	sub := &Subscription{
		Channel:     channel,
		client:      c,
		events:      events,
		resubscribe: true,
		state:       SubStateSubscribing,
	}
	for _, opt := range opts {
		opt(sub)
	}
	c.subs[channel] = sub

	connected := c.state == StateConnected
	gen := c.gen
	c.mu.Unlock()

	if connected {
		go c.subscribeChannel(gen, sub)
	}
	return sub, nil
}

// Unsubscribe removes the subscription for a channel. The unsubscribe
// command is sent best-effort; local removal happens regardless. Returns
// ErrNotSubscribed when the channel is unknown.
func (c *Client) Unsubscribe(channel string) error {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	if !ok {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	delete(c.subs, channel)
	connected := c.state == StateConnected && !c.closed
	t := c.transport
	disp := c.disp
	c.mu.Unlock()

	sub.moveUnsubscribed(0, "unsubscribe called")

	if connected {
		go func() {
			cmd := &command{Unsubscribe: &unsubscribeRequest{Channel: channel}}
			if _, err := c.roundTrip(context.Background(), t, disp, cmd, nil); err != nil {
				c.logger.Debug("unsubscribe command failed", "channel", channel, "error", err)
			}
		}()
	}
	return nil
}

// Subscriptions returns a snapshot of registered subscriptions by channel.
func (c *Client) Subscriptions() map[string]*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*Subscription, len(c.subs))
	for ch, sub := range c.subs {
		out[ch] = sub
	}
	return out
}

// Publish sends data into a channel.
func (c *Client) Publish(ctx context.Context, channel string, data json.RawMessage) (PublishResult, error) {
	cmd := &command{Publish: &publishRequest{Channel: channel, Data: data}}
	if _, err := c.do(ctx, cmd); err != nil {
		return PublishResult{}, err
	}
	return PublishResult{}, nil
}

// History returns publications retained for a channel.
func (c *Client) History(ctx context.Context, channel string, opts HistoryOptions) (HistoryResult, error) {
	req := &historyRequest{
		Channel: channel,
		Limit:   opts.Limit,
		Reverse: opts.Reverse,
	}
	if opts.Since != nil {
		req.Since = &streamPositionInfo{Offset: opts.Since.Offset, Epoch: opts.Since.Epoch}
	}

	r, err := c.do(ctx, &command{History: req})
	if err != nil {
		return HistoryResult{}, err
	}
	if r.History == nil {
		return HistoryResult{}, fmt.Errorf("%w: history reply missing result", ErrMalformedFrame)
	}

	res := HistoryResult{
		Offset: r.History.Offset,
		Epoch:  r.History.Epoch,
	}
	for i := range r.History.Publications {
		res.Publications = append(res.Publications, r.History.Publications[i].toPublication())
	}
	return res, nil
}

// Presence returns clients currently subscribed to a channel.
func (c *Client) Presence(ctx context.Context, channel string) (PresenceResult, error) {
	r, err := c.do(ctx, &command{Presence: &presenceRequest{Channel: channel}})
	if err != nil {
		return PresenceResult{}, err
	}
	if r.Presence == nil {
		return PresenceResult{}, fmt.Errorf("%w: presence reply missing result", ErrMalformedFrame)
	}

	res := PresenceResult{Clients: make(map[string]ClientInfo, len(r.Presence.Presence))}
	for k, v := range r.Presence.Presence {
		res.Clients[k] = v.toClientInfo()
	}
	return res, nil
}

// PresenceStats returns short presence information about a channel.
func (c *Client) PresenceStats(ctx context.Context, channel string) (PresenceStatsResult, error) {
	r, err := c.do(ctx, &command{PresenceStats: &presenceStatsRequest{Channel: channel}})
	if err != nil {
		return PresenceStatsResult{}, err
	}
	if r.PresenceStats == nil {
		return PresenceStatsResult{}, fmt.Errorf("%w: presence_stats reply missing result", ErrMalformedFrame)
	}
	return PresenceStatsResult{
		NumClients: r.PresenceStats.NumClients,
		NumUsers:   r.PresenceStats.NumUsers,
	}, nil
}

// RPC sends a named request to the server and returns its response data.
func (c *Client) RPC(ctx context.Context, method string, data json.RawMessage) (RPCResult, error) {
	r, err := c.do(ctx, &command{RPC: &rpcRequest{Method: method, Data: data}})
	if err != nil {
		return RPCResult{}, err
	}
	if r.RPC == nil {
		return RPCResult{}, fmt.Errorf("%w: rpc reply missing result", ErrMalformedFrame)
	}
	return RPCResult{Data: r.RPC.Data}, nil
}

// do sends a command on the current connection and waits for its reply.
func (c *Client) do(ctx context.Context, cmd *command) (*reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	switch c.state {
	case StateConnected:
	case StateDisconnected:
		c.mu.Unlock()
		return nil, ErrNotConnected
	default:
		// Commands issued during a reconnection window fail fast with a
		// single ConnectionLost; retry policy belongs to the caller.
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	t := c.transport
	disp := c.disp
	c.mu.Unlock()

	return c.roundTrip(ctx, t, disp, cmd, nil)
}

// applyFunc runs while the read loop is parked on the completion barrier,
// so the state it applies is visible before any later push is processed.
type applyFunc func(*reply) error

// roundTrip assigns a correlation id, sends the command and waits for the
// reply, a timeout, or connection loss. On timeout the pending entry is
// removed so a late reply is dropped rather than misdelivered.
func (c *Client) roundTrip(ctx context.Context, t *transport, disp *dispatcher, cmd *command, apply applyFunc) (*reply, error) {
	id := disp.next()
	cmd.ID = id

	p := disp.register(id, apply != nil)
	if p.done != nil {
		defer close(p.done)
	}

	data, err := encodeCommand(cmd)
	if err != nil {
		disp.remove(id)
		return nil, err
	}
	if err := t.Send(data); err != nil {
		disp.remove(id)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		r := res.reply
		if r.Error != nil {
			return nil, &ReplyError{
				Code:      r.Error.Code,
				Message:   r.Error.Message,
				Temporary: r.Error.Temporary,
			}
		}
		if apply != nil {
			if err := apply(r); err != nil {
				return r, err
			}
		}
		return r, nil
	case <-timer.C:
		disp.remove(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		disp.remove(id)
		return nil, ctx.Err()
	case <-c.closeCh:
		disp.remove(id)
		return nil, ErrClientClosed
	}
}

// connectOnce performs one full connection attempt: dial, handshake, state
// publication, resubscription. Caller must have set StateConnecting.
func (c *Client) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.gen++
	gen := c.gen
	t := newTransport(transportConfig{
		URL:              c.url,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		WriteTimeout:     c.cfg.WriteTimeout,
		FrameBufferSize:  c.cfg.FrameBufferSize,
	}, c.logger)
	disp := newDispatcher(c.logger)
	c.transport = t
	c.disp = disp
	token := c.token
	c.mu.Unlock()

	if err := t.Connect(ctx); err != nil {
		c.clearConnLocked(gen)
		return err
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		t.Close()
		return ErrClientClosed
	}
	c.state = StateAuthenticating
	getToken := c.cfg.GetToken
	c.mu.Unlock()

	if token == "" && getToken != nil {
		tok, err := getToken(ctx)
		if err != nil {
			t.Close()
			c.clearConnLocked(gen)
			return fmt.Errorf("connection token: %w", err)
		}
		token = tok
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
	}

	go c.readLoop(t, disp, gen)

	cmd := &command{Connect: &connectRequest{
		Token:   token,
		Name:    c.cfg.Name,
		Version: c.cfg.Version,
	}}

	var connRes *connectResult
	_, err := c.roundTrip(ctx, t, disp, cmd, func(r *reply) error {
		if r.Connect == nil {
			return fmt.Errorf("%w: connect reply missing result", ErrMalformedFrame)
		}
		connRes = r.Connect
		return c.applyConnected(gen, r.Connect)
	})
	if err != nil {
		t.Close()
		c.clearConnLocked(gen)
		return asAuthError(err)
	}

	c.logger.Info("connected",
		"client", connRes.Client,
		"version", connRes.Version,
	)

	go c.resubscribeAll(gen)
	return nil
}

// asAuthError maps handshake failures to the terminal AuthError. Transport
// loss and explicit close keep their own identity so the reconnect loop can
// tell them apart.
func asAuthError(err error) error {
	switch {
	case errors.Is(err, ErrTimeout):
		return &AuthError{Message: "handshake timeout"}
	case errors.Is(err, ErrClientClosed), errors.Is(err, ErrConnectionLost):
		return err
	}
	var re *ReplyError
	if errors.As(err, &re) {
		return &AuthError{Code: re.Code, Message: re.Message}
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return err
	}
	return &AuthError{Message: err.Error()}
}

// applyConnected records the handshake result. Runs under the dispatcher's
// completion barrier, so pushes arriving right after the connect reply see
// a fully connected client.
func (c *Client) applyConnected(gen uint64, res *connectResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.gen != gen {
		return ErrClientClosed
	}

	c.state = StateConnected
	c.clientID = res.Client
	c.reconnectAttempts = 0
	c.sendPong = res.Pong
	c.pingInterval = time.Duration(res.Ping) * time.Second

	if c.pingInterval > 0 {
		c.pingTimer = time.AfterFunc(c.pingInterval+c.cfg.MaxServerPingDelay, func() {
			c.forceReconnect(gen, errors.New("no ping from server"))
		})
	}
	if res.Expires && res.TTL > 0 {
		ttl := time.Duration(res.TTL) * time.Second
		c.refreshTimer = time.AfterFunc(ttl, func() {
			c.refreshToken(gen)
		})
	}
	return nil
}

// clearConnLocked drops the transport reference for a failed attempt and
// returns to StateDisconnected unless a newer connection took over.
func (c *Client) clearConnLocked(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gen != gen {
		return
	}
	c.transport = nil
	c.state = StateDisconnected
}

// readLoop consumes frames from one transport until it closes. It is the
// only goroutine that processes pushes, which keeps per-channel delivery
// order equal to server send order.
func (c *Client) readLoop(t *transport, disp *dispatcher, gen uint64) {
	malformed := 0

	for {
		select {
		case <-c.closeCh:
			return

		case err := <-t.Errors():
			// Frames received before the failure are already buffered;
			// deliver them before reporting the loss.
			c.drainFrames(t, disp, gen)
			c.handleTransportLoss(gen, err)
			return

		case data := <-t.Frames():
			replies, err := decodeReplies(data)
			for _, r := range replies {
				if !c.processReply(t, disp, gen, r) {
					return
				}
			}
			if err != nil {
				malformed++
				c.logger.Warn("dropping malformed frame data",
					"error", err,
					"consecutive", malformed,
				)
				if malformed >= c.cfg.MalformedFrameLimit {
					c.handleTransportLoss(gen, err)
					return
				}
				continue
			}
			malformed = 0
		}
	}
}

// drainFrames processes frames buffered before a transport failure.
func (c *Client) drainFrames(t *transport, disp *dispatcher, gen uint64) {
	for {
		select {
		case data := <-t.Frames():
			replies, err := decodeReplies(data)
			for _, r := range replies {
				if !c.processReply(t, disp, gen, r) {
					return
				}
			}
			if err != nil {
				c.logger.Warn("dropping malformed frame data", "error", err)
			}
		default:
			return
		}
	}
}

// processReply handles one reply from the read loop. Returns false when the
// read loop must stop.
func (c *Client) processReply(t *transport, disp *dispatcher, gen uint64, r *reply) bool {
	if r.ID > 0 {
		if p := disp.resolve(r); p != nil && p.done != nil {
			// Wait until the caller applied connect/subscribe state, so
			// subsequent pushes are processed against it.
			select {
			case <-p.done:
			case <-c.closeCh:
				return false
			}
		}
		return true
	}

	if r.Push != nil {
		return c.handlePush(gen, r.Push)
	}

	// Server ping.
	c.mu.Lock()
	if c.gen == gen && c.pingTimer != nil {
		c.pingTimer.Reset(c.pingInterval + c.cfg.MaxServerPingDelay)
	}
	sendPong := c.sendPong
	c.mu.Unlock()

	if sendPong {
		if err := t.Send(encodePong()); err != nil {
			c.logger.Debug("pong send failed", "error", err)
		}
	}
	return true
}

// handlePush routes one asynchronous server push. Returns false when the
// push terminates the connection.
func (c *Client) handlePush(gen uint64, push *pushFrame) bool {
	if push.Disconnect != nil {
		c.handleServerDisconnect(gen, push.Disconnect)
		return false
	}

	c.mu.Lock()
	sub, ok := c.subs[push.Channel]
	c.mu.Unlock()

	if !ok || sub.State() != SubStateSubscribed {
		// Protocol anomaly, not fatal.
		c.logger.Warn("dropping push for channel without active subscription",
			"channel", push.Channel,
		)
		return true
	}

	switch {
	case push.Pub != nil:
		sub.handlePublication(push.Pub)
	case push.Join != nil:
		sub.handleJoin(push.Join)
	case push.Leave != nil:
		sub.handleLeave(push.Leave)
	case push.Unsubscribe != nil:
		c.handleUnsubscribePush(gen, sub, push.Unsubscribe)
	default:
		c.logger.Debug("skipping unknown push", "channel", push.Channel)
	}
	return true
}

// handleUnsubscribePush applies a server-initiated unsubscribe. Codes below
// 2500 are terminal for the subscription; higher codes ask the client to
// resubscribe.
func (c *Client) handleUnsubscribePush(gen uint64, sub *Subscription, u *unsubscribePush) {
	if u.Code < 2500 {
		c.mu.Lock()
		delete(c.subs, sub.Channel)
		c.mu.Unlock()
		sub.moveUnsubscribed(u.Code, u.Reason)
		return
	}

	sub.moveSubscribing()
	go c.subscribeChannel(gen, sub)
}

// handleServerDisconnect applies a disconnect push. Codes 3500-3999 and
// 4500-4999 allow reconnection; everything else is terminal for the session.
func (c *Client) handleServerDisconnect(gen uint64, d *disconnectPush) {
	reconnect := (d.Code >= 3500 && d.Code < 4000) || (d.Code >= 4500 && d.Code < 5000)
	err := &DisconnectError{Code: d.Code, Reason: d.Reason}

	if reconnect {
		c.handleTransportLoss(gen, err)
		return
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.stopTimersLocked()
	t := c.transport
	c.transport = nil
	disp := c.disp
	c.suspendSubsLocked()
	c.mu.Unlock()

	c.logger.Warn("server closed session", "code", d.Code, "reason", d.Reason)

	if disp != nil {
		disp.failAll(err)
	}
	if t != nil {
		t.Close()
	}
}

// handleTransportLoss moves the client to StateReconnecting: suspends
// active subscriptions, fails pending commands with ConnectionLost and
// schedules the reconnect loop.
func (c *Client) handleTransportLoss(gen uint64, cause error) {
	c.mu.Lock()
	// A nil transport for the current gen means the connection was already
	// torn down, e.g. by a terminal disconnect push drained just before the
	// socket error surfaced. Reconnecting then would override a final state.
	if c.closed || c.gen != gen || c.state == StateReconnecting || c.transport == nil {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	c.stopTimersLocked()
	t := c.transport
	c.transport = nil
	disp := c.disp
	c.suspendSubsLocked()
	c.mu.Unlock()

	c.logger.Warn("connection lost, reconnecting", "error", cause)

	if t != nil {
		t.Close()
	}
	if disp != nil {
		disp.failAll(ErrConnectionLost)
	}

	go c.reconnectLoop()
}

// forceReconnect tears down the current connection as if the transport had
// failed. Used by the ping watchdog and failed token refresh.
func (c *Client) forceReconnect(gen uint64, cause error) {
	c.handleTransportLoss(gen, cause)
}

// suspendSubsLocked moves resubscribe-eligible subscriptions to suspended
// and drops the rest. Caller holds c.mu.
func (c *Client) suspendSubsLocked() []*Subscription {
	var dropped []*Subscription
	for ch, sub := range c.subs {
		if sub.resubscribe {
			sub.moveSubscribing()
			continue
		}
		delete(c.subs, ch)
		dropped = append(dropped, sub)
	}
	for _, sub := range dropped {
		// Callback outside would be nicer, but these subs are gone either
		// way; keep the notification in line with local removal.
		go sub.moveUnsubscribed(0, "connection closed")
	}
	return dropped
}

func (c *Client) stopTimersLocked() {
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}

// reconnectLoop retries the connection with exponential backoff until it
// succeeds, hits a terminal failure or the client is closed. The attempt
// counter resets only when StateConnected is reached.
func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.closed || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		attempt := c.reconnectAttempts
		c.reconnectAttempts++
		c.mu.Unlock()

		delay := backoffDelay(attempt, c.cfg.MinReconnectDelay, c.cfg.MaxReconnectDelay)
		c.logger.Debug("reconnecting", "attempt", attempt+1, "delay", delay)

		select {
		case <-c.closeCh:
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.closed || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		err := c.connectOnce(context.Background())
		if err == nil {
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			// Terminal: the server rejected us, retrying cannot help.
			c.logger.Error("reconnect rejected", "error", err)
			return
		}
		if errors.Is(err, ErrClientClosed) {
			return
		}

		c.logger.Warn("reconnect attempt failed", "error", err)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.state = StateReconnecting
		c.mu.Unlock()
	}
}

// resubscribeAll re-issues subscribe commands for suspended subscriptions,
// sequentially to keep ordering deterministic.
func (c *Client) resubscribeAll(gen uint64) {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.State() == SubStateSubscribing {
			subs = append(subs, sub)
		}
	}
	c.mu.Unlock()

	for _, sub := range subs {
		c.subscribeChannel(gen, sub)
	}
}

// subscribeChannel sends one subscribe command carrying the recovery
// position when one is known, and applies the result.
func (c *Client) subscribeChannel(gen uint64, sub *Subscription) {
	c.mu.Lock()
	if c.closed || c.gen != gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	if c.subs[sub.Channel] != sub || sub.State() != SubStateSubscribing {
		c.mu.Unlock()
		return
	}
	t := c.transport
	disp := c.disp
	c.mu.Unlock()

	token := sub.token
	if token == "" && sub.getToken != nil {
		tctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		tok, err := sub.getToken(tctx)
		cancel()
		if err != nil {
			sub.emitError(fmt.Errorf("subscription token: %w", err))
			delay := sub.nextResubDelay(c.cfg.MinReconnectDelay, c.cfg.MaxReconnectDelay)
			c.logger.Warn("subscription token fetch failed, retrying",
				"channel", sub.Channel,
				"delay", delay,
				"error", err,
			)
			time.AfterFunc(delay, func() {
				c.subscribeChannel(gen, sub)
			})
			return
		}
		token = tok
	}

	req := &subscribeRequest{
		Channel: sub.Channel,
		Token:   token,
	}
	if rec, pos := sub.recoverySnapshot(); rec {
		req.Recover = true
		req.Offset = pos.Offset
		req.Epoch = pos.Epoch
	}

	_, err := c.roundTrip(context.Background(), t, disp, &command{Subscribe: req}, func(r *reply) error {
		if r.Subscribe == nil {
			return fmt.Errorf("%w: subscribe reply missing result", ErrMalformedFrame)
		}
		sub.moveSubscribed(r.Subscribe)
		if r.Subscribe.Expires && r.Subscribe.TTL > 0 {
			c.armSubRefresh(gen, sub, r.Subscribe.TTL)
		}
		return nil
	})
	if err == nil {
		c.logger.Debug("subscribed", "channel", sub.Channel)
		return
	}

	var re *ReplyError
	switch {
	case errors.As(err, &re) && !re.Temporary:
		c.mu.Lock()
		delete(c.subs, sub.Channel)
		c.mu.Unlock()
		sub.moveUnsubscribed(re.Code, re.Message)
	case errors.Is(err, ErrTimeout), errors.As(err, &re):
		sub.emitError(err)
		delay := sub.nextResubDelay(c.cfg.MinReconnectDelay, c.cfg.MaxReconnectDelay)
		c.logger.Warn("subscribe failed, retrying",
			"channel", sub.Channel,
			"delay", delay,
			"error", err,
		)
		time.AfterFunc(delay, func() {
			c.subscribeChannel(gen, sub)
		})
	default:
		// Connection lost or client closed; reconnection handles the rest.
	}
}

// refreshToken proactively refreshes the connection token before expiry.
// Failure to refresh forces a reconnect rather than letting the server
// expire the session underneath us.
func (c *Client) refreshToken(gen uint64) {
	c.mu.Lock()
	if c.closed || c.gen != gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	t := c.transport
	disp := c.disp
	getToken := c.cfg.GetToken
	c.mu.Unlock()

	if getToken == nil {
		c.forceReconnect(gen, errors.New("token expiring and no token provider configured"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	token, err := getToken(ctx)
	if err != nil {
		c.logger.Error("token refresh failed", "error", err)
		c.forceReconnect(gen, fmt.Errorf("refresh token: %w", err))
		return
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	cmd := &command{Refresh: &refreshRequest{Token: token}}
	r, err := c.roundTrip(ctx, t, disp, cmd, nil)
	if err != nil {
		c.logger.Error("refresh command failed", "error", err)
		c.forceReconnect(gen, fmt.Errorf("refresh command: %w", err))
		return
	}
	if r.Refresh == nil {
		return
	}

	if r.Refresh.Expires && r.Refresh.TTL > 0 {
		ttl := time.Duration(r.Refresh.TTL) * time.Second
		c.mu.Lock()
		if c.gen == gen && !c.closed {
			c.refreshTimer = time.AfterFunc(ttl, func() {
				c.refreshToken(gen)
			})
		}
		c.mu.Unlock()
	}
	c.logger.Debug("connection token refreshed")
}

// armSubRefresh schedules a subscription token refresh ttl seconds from now.
func (c *Client) armSubRefresh(gen uint64, sub *Subscription, ttl uint32) {
	sub.armRefresh(time.Duration(ttl)*time.Second, func() {
		c.refreshSubscriptionToken(gen, sub)
	})
}

// refreshSubscriptionToken renews a per-channel token before the server
// expires it. A failed renewal falls back to a full resubscribe; a
// non-temporary rejection removes the subscription.
func (c *Client) refreshSubscriptionToken(gen uint64, sub *Subscription) {
	c.mu.Lock()
	if c.closed || c.gen != gen || c.state != StateConnected || c.subs[sub.Channel] != sub {
		c.mu.Unlock()
		return
	}
	t := c.transport
	disp := c.disp
	c.mu.Unlock()

	if sub.State() != SubStateSubscribed {
		return
	}

	if sub.getToken == nil {
		// Nothing to renew with; the server unsubscribes the channel on
		// expiry and the unsubscribe push drives resubscription.
		c.logger.Warn("subscription token expiring and no token getter configured",
			"channel", sub.Channel,
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	token, err := sub.getToken(ctx)
	if err != nil {
		c.logger.Error("subscription token refresh failed",
			"channel", sub.Channel,
			"error", err,
		)
		sub.emitError(fmt.Errorf("refresh subscription token: %w", err))
		sub.moveSubscribing()
		go c.subscribeChannel(gen, sub)
		return
	}

	cmd := &command{SubRefresh: &subRefreshRequest{Channel: sub.Channel, Token: token}}
	r, err := c.roundTrip(ctx, t, disp, cmd, nil)
	if err != nil {
		var re *ReplyError
		if errors.As(err, &re) && !re.Temporary {
			c.mu.Lock()
			delete(c.subs, sub.Channel)
			c.mu.Unlock()
			sub.moveUnsubscribed(re.Code, re.Message)
			return
		}
		if errors.Is(err, ErrClientClosed) || errors.Is(err, ErrConnectionLost) {
			return
		}
		c.logger.Warn("sub_refresh command failed, resubscribing",
			"channel", sub.Channel,
			"error", err,
		)
		sub.moveSubscribing()
		go c.subscribeChannel(gen, sub)
		return
	}

	if r.SubRefresh != nil && r.SubRefresh.Expires && r.SubRefresh.TTL > 0 {
		c.armSubRefresh(gen, sub, r.SubRefresh.TTL)
	}
	c.logger.Debug("subscription token refreshed", "channel", sub.Channel)
}
