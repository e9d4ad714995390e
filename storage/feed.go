package storage

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"memo-sync/domain"
)

const defaultFeedPrefix = "memo-sync:"

func memoTopic(id string) string      { return "memo:" + id }
func foldersTopic(owner string) string { return "folders:" + owner }

// Feed carries change notifications between store writers and watchers.
// Writers publish a topic on Redis; one pattern subscription per process
// fans notifications out to local watchers.
type Feed struct {
	rc     *redis.Client
	prefix string
	logger *log.Logger

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewFeed creates a feed on rc. Run must be started for watchers to see
// changes made by other processes.
func NewFeed(rc *redis.Client, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Feed{
		rc:     rc,
		prefix: defaultFeedPrefix,
		logger: logger,
		subs:   make(map[string]map[chan struct{}]struct{}),
	}
}

// Publish announces a change on topic. Local watchers are signalled
// immediately and again when Run receives the message back.
func (f *Feed) Publish(ctx context.Context, topic string) error {
	f.notify(topic)
	if f.rc == nil {
		return nil
	}
	return f.rc.Publish(ctx, f.prefix+topic, topic).Err()
}

// Run consumes Redis notifications until ctx is done, reconnecting when
// the pub/sub channel closes.
func (f *Feed) Run(ctx context.Context) {
	if f.rc == nil {
		return
	}
	for {
		sub := f.rc.PSubscribe(ctx, f.prefix+"*")
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				f.notify(strings.TrimPrefix(msg.Channel, f.prefix))
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		f.logger.Error("change feed closed, reconnecting")
		time.Sleep(time.Second)
	}
}

// Watch calls refresh once and again after every notification on topic,
// until ctx is done or the subscription is closed. Notifications that
// arrive while refresh runs are coalesced into one more call.
func (f *Feed) Watch(ctx context.Context, topic string, refresh func(ctx context.Context)) domain.Subscription {
	ctx, cancel := context.WithCancel(ctx)
	ch := f.subscribe(topic)
	var closed atomic.Bool
	var once sync.Once
	stop := func() error {
		once.Do(func() {
			closed.Store(true)
			cancel()
			f.unsubscribe(topic, ch)
		})
		return nil
	}
	go func() {
		defer stop()
		for {
			if closed.Load() {
				return
			}
			refresh(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ch:
			}
		}
	}()
	return domain.SubscriptionFunc(stop)
}

func (f *Feed) subscribe(topic string) chan struct{} {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	set, ok := f.subs[topic]
	if !ok {
		set = make(map[chan struct{}]struct{})
		f.subs[topic] = set
	}
	set[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *Feed) unsubscribe(topic string, ch chan struct{}) {
	f.mu.Lock()
	if set, ok := f.subs[topic]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(f.subs, topic)
		}
	}
	f.mu.Unlock()
}

func (f *Feed) notify(topic string) {
	f.mu.Lock()
	for ch := range f.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	f.mu.Unlock()
}
