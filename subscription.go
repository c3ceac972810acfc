package centrifuge

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// SubState represents the state of one channel subscription.
type SubState string

const (
	SubStateUnsubscribed SubState = "unsubscribed"
	SubStateSubscribing  SubState = "subscribing"
	SubStateSubscribed   SubState = "subscribed"
)

// PublicationEvent carries one publication delivered to a subscription.
type PublicationEvent struct {
	Channel string
	Publication
}

// SubscribedEvent is emitted when a subscription becomes active. After a
// reconnection WasRecovering is true; Recovered reports whether the server
// replayed every missed publication. WasRecovering with Recovered false is a
// data-loss notice, not an error: the stream continues with a possible gap.
type SubscribedEvent struct {
	Channel        string
	Recoverable    bool
	Positioned     bool
	Recovered      bool
	WasRecovering  bool
	StreamPosition *StreamPosition
	Data           json.RawMessage
}

// UnsubscribedEvent is emitted when a subscription is removed.
type UnsubscribedEvent struct {
	Channel string
	Code    uint32
	Reason  string
}

// JoinEvent is emitted when another client joins the channel.
type JoinEvent struct {
	Channel string
	Info    ClientInfo
}

// LeaveEvent is emitted when another client leaves the channel.
type LeaveEvent struct {
	Channel string
	Info    ClientInfo
}

// SubscriptionErrorEvent carries a non-fatal subscription failure, e.g. a
// temporary subscribe error that will be retried.
type SubscriptionErrorEvent struct {
	Channel string
	Err     error
}

// SubscriptionEvents holds optional callbacks for one subscription. All
// callbacks for a channel are invoked sequentially, never concurrently.
type SubscriptionEvents struct {
	OnPublication  func(PublicationEvent)
	OnSubscribed   func(SubscribedEvent)
	OnUnsubscribed func(UnsubscribedEvent)
	OnJoin         func(JoinEvent)
	OnLeave        func(LeaveEvent)
	OnError        func(SubscriptionErrorEvent)
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*Subscription)

// WithSubscriptionToken sets a per-channel token sent with the subscribe
// command, for channels requiring channel-level authorization.
func WithSubscriptionToken(token string) SubscribeOption {
	return func(s *Subscription) {
		s.token = token
	}
}

// WithSubscriptionTokenGetter sets a provider for per-channel tokens. It is
// consulted when no static token is set, and again whenever the server
// reports the current subscription token nearing expiry.
func WithSubscriptionTokenGetter(fn func(ctx context.Context) (string, error)) SubscribeOption {
	return func(s *Subscription) {
		s.getToken = fn
	}
}

// WithResubscribe controls whether the subscription survives reconnection.
// Default is true; with false the subscription is dropped when the
// transport closes.
func WithResubscribe(resubscribe bool) SubscribeOption {
	return func(s *Subscription) {
		s.resubscribe = resubscribe
	}
}

// Subscription represents interest in one channel. Create it with
// Client.Subscribe; remove it with Client.Unsubscribe.
type Subscription struct {
	// Channel is the subscribed channel name, unique within a client.
	Channel string

	client      *Client
	events      SubscriptionEvents
	token       string
	getToken    func(ctx context.Context) (string, error)
	resubscribe bool

	mu            sync.Mutex
	state         SubState
	recoverable   bool
	position      StreamPosition
	hasPosition   bool
	resubAttempts int
	refreshTimer  *time.Timer
}

// State returns the current subscription state.
func (s *Subscription) State() SubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamPosition returns the last known recovery position and whether one
// has been established yet.
func (s *Subscription) StreamPosition() (StreamPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, s.hasPosition
}

// recoverySnapshot returns what the next subscribe command should carry.
func (s *Subscription) recoverySnapshot() (rec bool, pos StreamPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recoverable && s.hasPosition {
		return true, s.position
	}
	return false, StreamPosition{}
}

// moveSubscribed applies a subscribe result: records the recovery position,
// emits the subscribed event and replays any recovered publications in
// order. Invoked under the dispatcher's completion barrier, so live pushes
// for the channel cannot overtake the replay.
func (s *Subscription) moveSubscribed(res *subscribeResult) {
	s.mu.Lock()
	s.state = SubStateSubscribed
	s.recoverable = res.Recoverable
	s.resubAttempts = 0

	var pos *StreamPosition
	if res.Recoverable || res.Positioned {
		if res.Epoch != "" {
			s.position.Epoch = res.Epoch
		}
		if res.Offset > s.position.Offset {
			s.position.Offset = res.Offset
		}
		s.hasPosition = true
		p := s.position
		pos = &p
	}
	onSubscribed := s.events.OnSubscribed
	s.mu.Unlock()

	if onSubscribed != nil {
		onSubscribed(SubscribedEvent{
			Channel:        s.Channel,
			Recoverable:    res.Recoverable,
			Positioned:     res.Positioned,
			Recovered:      res.Recovered,
			WasRecovering:  res.WasRecovering,
			StreamPosition: pos,
			Data:           res.Data,
		})
	}

	for i := range res.Publications {
		s.handlePublication(&res.Publications[i])
	}
}

// moveSubscribing suspends an active subscription, keeping its recovery
// position for the next subscribe command.
func (s *Subscription) moveSubscribing() {
	s.mu.Lock()
	s.state = SubStateSubscribing
	s.stopRefreshLocked()
	s.mu.Unlock()
}

// moveUnsubscribed makes the subscription terminal and emits the
// unsubscribed event.
func (s *Subscription) moveUnsubscribed(code uint32, reason string) {
	s.mu.Lock()
	if s.state == SubStateUnsubscribed {
		s.mu.Unlock()
		return
	}
	s.state = SubStateUnsubscribed
	s.stopRefreshLocked()
	onUnsubscribed := s.events.OnUnsubscribed
	s.mu.Unlock()

	if onUnsubscribed != nil {
		onUnsubscribed(UnsubscribedEvent{
			Channel: s.Channel,
			Code:    code,
			Reason:  reason,
		})
	}
}

// handlePublication delivers one publication to the subscriber callback and
// advances the recovery position. The position never decreases.
func (s *Subscription) handlePublication(p *publicationInfo) {
	s.mu.Lock()
	if p.Offset > 0 && p.Offset > s.position.Offset {
		s.position.Offset = p.Offset
		s.hasPosition = true
	}
	onPublication := s.events.OnPublication
	s.mu.Unlock()

	if onPublication != nil {
		onPublication(PublicationEvent{
			Channel:     s.Channel,
			Publication: p.toPublication(),
		})
	}
}

func (s *Subscription) handleJoin(j *joinPush) {
	s.mu.Lock()
	onJoin := s.events.OnJoin
	s.mu.Unlock()

	if onJoin != nil {
		onJoin(JoinEvent{Channel: s.Channel, Info: j.Info.toClientInfo()})
	}
}

func (s *Subscription) handleLeave(l *leavePush) {
	s.mu.Lock()
	onLeave := s.events.OnLeave
	s.mu.Unlock()

	if onLeave != nil {
		onLeave(LeaveEvent{Channel: s.Channel, Info: l.Info.toClientInfo()})
	}
}

func (s *Subscription) emitError(err error) {
	s.mu.Lock()
	onError := s.events.OnError
	s.mu.Unlock()

	if onError != nil {
		onError(SubscriptionErrorEvent{Channel: s.Channel, Err: err})
	}
}

// armRefresh schedules a token refresh after ttl. Caller side: the timer is
// dropped whenever the subscription leaves the subscribed state.
func (s *Subscription) armRefresh(ttl time.Duration, fn func()) {
	s.mu.Lock()
	s.stopRefreshLocked()
	if s.state == SubStateSubscribed {
		s.refreshTimer = time.AfterFunc(ttl, fn)
	}
	s.mu.Unlock()
}

// stopRefreshLocked stops the refresh timer. Caller holds s.mu.
func (s *Subscription) stopRefreshLocked() {
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
}

// nextResubDelay returns the backoff delay before the next subscribe retry.
func (s *Subscription) nextResubDelay(minDelay, maxDelay time.Duration) time.Duration {
	s.mu.Lock()
	attempt := s.resubAttempts
	s.resubAttempts++
	s.mu.Unlock()
	return backoffDelay(attempt, minDelay, maxDelay)
}
