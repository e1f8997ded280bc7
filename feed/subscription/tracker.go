// Package subscription keeps the set of subscribed topics and replays it after
// every (re)connection.
package subscription

import (
	"sort"
	"sync"
	"time"

	"github.com/linluma/marketfeed/shared/logging"
	"github.com/linluma/marketfeed/shared/models"
)

// Sender is the outbound half of a connection
type Sender interface {
	Send(v interface{}) bool
	Connected() bool
}

// Tracker records which topics are subscribed
type Tracker struct {
	sender Sender
	now    func() time.Time
	log    *logging.Entry

	mu      sync.Mutex
	topics  map[string]bool // topic -> active on the current connection
	lastErr error
}

// NewTracker creates a tracker that sends through sender
func NewTracker(sender Sender, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		sender: sender,
		now:    now,
		topics: make(map[string]bool),
		log:    logging.GetLogger().WithComponent("subscription"),
	}
}

// Subscribe adds topics and, when connected, sends a subscribe for the ones not already tracked.
// It returns false if the message could not be sent; the topics stay tracked and go out on the next open.
func (t *Tracker) Subscribe(topics ...string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []string
	for _, topic := range normalize(topics) {
		if _, ok := t.topics[topic]; ok {
			continue
		}
		t.topics[topic] = false
		added = append(added, topic)
	}

	if len(added) == 0 {
		return true
	}
	return t.sendLocked(models.MessageSubscribe, added, true)
}

// Track adds topics without sending anything; they go out on the next Resubscribe
func (t *Tracker) Track(topics ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, topic := range normalize(topics) {
		if _, ok := t.topics[topic]; !ok {
			t.topics[topic] = false
		}
	}
}

// Unsubscribe removes topics and, when connected, sends an unsubscribe for them
func (t *Tracker) Unsubscribe(topics ...string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for _, topic := range normalize(topics) {
		if _, ok := t.topics[topic]; !ok {
			continue
		}
		delete(t.topics, topic)
		removed = append(removed, topic)
	}

	if len(removed) == 0 {
		return true
	}
	return t.sendLocked(models.MessageUnsubscribe, removed, false)
}

// Resubscribe sends the whole active set. Call it after every successful open.
func (t *Tracker) Resubscribe() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := t.sortedLocked()
	if len(all) == 0 {
		t.lastErr = nil
		return true
	}
	if !t.sendLocked(models.MessageSubscribe, all, true) {
		return false
	}
	// every pending topic is now active, so earlier failures are resolved
	t.lastErr = nil
	return true
}

// Refresh re-sends a subscribe for topics already tracked, asking the server for fresh snapshots
func (t *Tracker) Refresh(topics ...string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var tracked []string
	for _, topic := range normalize(topics) {
		if _, ok := t.topics[topic]; ok {
			tracked = append(tracked, topic)
		}
	}
	if len(tracked) == 0 {
		return false
	}
	return t.sendLocked(models.MessageSubscribe, tracked, true)
}

// MarkInactive flags every topic as not yet sent on the next connection
func (t *Tracker) MarkInactive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic := range t.topics {
		t.topics[topic] = false
	}
}

// IsSubscribed reports whether topic is tracked
func (t *Tracker) IsSubscribed(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.topics[models.NormalizeSymbol(topic)]
	return ok
}

// Topics returns the tracked topics, sorted
func (t *Tracker) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedLocked()
}

// Subscriptions returns every tracked topic with its active flag, sorted by topic
func (t *Tracker) Subscriptions() []models.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := make([]models.Subscription, 0, len(t.topics))
	for _, topic := range t.sortedLocked() {
		subs = append(subs, models.Subscription{Topic: topic, Active: t.topics[topic]})
	}
	return subs
}

// LastError returns the most recent send failure, cleared by a successful Resubscribe
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Tracker) sendLocked(op string, topics []string, activate bool) bool {
	if !t.sender.Connected() {
		t.lastErr = &models.SubscriptionError{Op: op, Topics: topics, Err: models.ErrNotConnected}
		return false
	}

	env, err := models.NewEnvelope(op, models.TopicsPayload{Topics: topics}, t.now())
	if err != nil {
		t.lastErr = &models.SubscriptionError{Op: op, Topics: topics, Err: err}
		return false
	}
	if !t.sender.Send(env) {
		t.lastErr = &models.SubscriptionError{Op: op, Topics: topics, Err: models.ErrNotConnected}
		return false
	}

	if activate {
		for _, topic := range topics {
			t.topics[topic] = true
		}
	}
	t.log.WithFields(logging.Fields{"op": op, "topics": topics}).Debug("subscription sent")
	return true
}

func (t *Tracker) sortedLocked() []string {
	out := make([]string, 0, len(t.topics))
	for topic := range t.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func normalize(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, topic := range topics {
		topic = models.NormalizeSymbol(topic)
		if topic == "" {
			continue
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	return out
}
