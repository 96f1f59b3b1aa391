package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/internal/calls"
)

const (
	defaultBackoff   = 2 * time.Second
	defaultBatchSize = 200
	liveBuffer       = 256
)

// Subscriber feeds one user's signals to a callback, live from the broker
// and replayed from the log after every (re)subscription.
type Subscriber struct {
	broker  Broker
	signals SignalLog
	logger  *log.Logger

	Backoff   time.Duration
	BatchSize int
}

func NewSubscriber(broker Broker, signals SignalLog, logger *log.Logger) *Subscriber {
	return &Subscriber{
		broker:    broker,
		signals:   signals,
		logger:    logger,
		Backoff:   defaultBackoff,
		BatchSize: defaultBatchSize,
	}
}

// Subscription is a running feed. Unsubscribe stops it.
type Subscription struct {
	UserID uuid.UUID

	cancel context.CancelFunc
	done   chan struct{}
}

// Unsubscribe stops the feed and waits until onInsert will not be called again.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

// Subscribe starts delivering signals addressed to userID, beginning with
// those logged at or after since. onInsert is called from a single
// goroutine, in log order during replay.
func (s *Subscriber) Subscribe(ctx context.Context, userID uuid.UUID, since time.Time, onInsert func(calls.SignalMessage)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)

	sub := &Subscription{
		UserID: userID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	f := &feed{
		sub:      s,
		userID:   userID,
		onInsert: onInsert,
		lastSeen: since,
		live:     make(chan calls.SignalMessage, liveBuffer),
		catchUp:  make(chan struct{}, 1),
		logger:   s.logger.With("user_id", userID),
	}

	go func() {
		defer close(sub.done)
		f.run(ctx)
	}()

	return sub
}

type feed struct {
	sub      *Subscriber
	userID   uuid.UUID
	onInsert func(calls.SignalMessage)
	lastSeen time.Time
	live     chan calls.SignalMessage
	catchUp  chan struct{}
	logger   *log.Logger
}

func (f *feed) run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.listen(ctx)
	}()

	f.deliverLoop(ctx)
	wg.Wait()
}

func (f *feed) listen(ctx context.Context) {
	channel := Channel(f.userID)
	for {
		err := f.sub.broker.Listen(ctx, channel, f.requestCatchUp, f.receive)
		if ctx.Err() != nil {
			return
		}

		f.logger.Warn("Signal subscription lost, reconnecting", "error", err, "backoff", f.sub.Backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.sub.Backoff):
		}
	}
}

func (f *feed) requestCatchUp() {
	select {
	case f.catchUp <- struct{}{}:
	default:
	}
}

// receive runs on the broker's goroutine and must not block.
func (f *feed) receive(payload []byte) {
	var msg calls.SignalMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		f.logger.Warn("Dropping undecodable signal", "error", err)
		return
	}

	select {
	case f.live <- msg:
	default:
		// The log still has it.
		f.logger.Warn("Signal backlog full, scheduling replay", "signal_id", msg.ID)
		f.requestCatchUp()
	}
}

func (f *feed) deliverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.catchUp:
			f.replay(ctx)
		case msg := <-f.live:
			// A pending catch-up runs first, or msg would move lastSeen
			// past rows logged while the subscription was down.
			select {
			case <-f.catchUp:
				f.replay(ctx)
			default:
			}
			f.deliver(msg)
		}
	}
}

func (f *feed) replay(ctx context.Context) {
	for {
		from := f.lastSeen
		batch, err := f.sub.signals.ListSignalsSince(ctx, f.userID, from, f.sub.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Error("Failed to replay signal log", "since", from, "error", err)
			}
			return
		}

		for _, msg := range batch {
			f.deliver(msg)
		}

		if len(batch) < f.sub.BatchSize || !f.lastSeen.After(from) {
			return
		}
	}
}

func (f *feed) deliver(msg calls.SignalMessage) {
	if msg.ToUserID != f.userID {
		f.logger.Debug("Dropping signal for another user", "signal_id", msg.ID, "to", msg.ToUserID)
		return
	}
	if msg.CreatedAt.After(f.lastSeen) {
		f.lastSeen = msg.CreatedAt
	}
	f.onInsert(msg)
}
