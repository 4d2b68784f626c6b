// Package notify delivers new highlights as Web Push notifications to the
// browsers that subscribed. Delivery happens on a small worker pool fed by a
// bounded queue so the event loop never waits on the network.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/irc-relay/config"
	"github.com/onnwee/irc-relay/record"
	"github.com/onnwee/irc-relay/telemetry"
)

const (
	defaultQueueSize = 64
	defaultWorkers   = 2
	sendTimeout      = 15 * time.Second
	defaultSubject   = "mailto:relay@localhost"
	pushTTL          = 3600
)

// Sender delivers one encrypted payload to one subscription and reports the
// push service's HTTP status.
type Sender interface {
	Send(ctx context.Context, payload []byte, sub Subscription) (int, error)
}

type vapidSender struct {
	subject    string
	publicKey  string
	privateKey string
	client     *http.Client
}

func (s *vapidSender) Send(ctx context.Context, payload []byte, sub Subscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256DH, Auth: sub.Keys.Auth},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             pushTTL,
		Urgency:         webpush.UrgencyHigh,
	})
	status := 0
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push service status %d", status)
	}
	return status, nil
}

// Message is the JSON payload the service worker receives.
type Message struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag,omitempty"`
	Channel   string `json:"channel,omitempty"`
	RecordID  string `json:"recordId"`
	Timestamp string `json:"timestamp"`
}

type job struct {
	record  record.Record
	display string
}

// Pusher implements the pipeline's notifier.
type Pusher struct {
	publicKey string
	store     *FileStore
	sender    Sender
	jobs      chan job
	workers   int
	log       *slog.Logger
}

// New returns a pusher for cfg, or nil when push is not configured.
func New(cfg config.Push) (*Pusher, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	subject := strings.TrimSpace(cfg.Subscriber)
	if subject == "" {
		subject = defaultSubject
	}
	sender := &vapidSender{
		subject:    subject,
		publicKey:  strings.TrimSpace(cfg.VAPIDPublicKey),
		privateKey: strings.TrimSpace(cfg.VAPIDPrivateKey),
		client:     &http.Client{Timeout: sendTimeout},
	}
	return NewWithSender(sender.publicKey, NewFileStore(cfg.SubscriptionsFile), sender), nil
}

// NewWithSender builds a pusher around an explicit sender.
func NewWithSender(publicKey string, store *FileStore, sender Sender) *Pusher {
	return &Pusher{
		publicKey: publicKey,
		store:     store,
		sender:    sender,
		jobs:      make(chan job, defaultQueueSize),
		workers:   defaultWorkers,
		log:       slog.Default().With(slog.String("component", "push")),
	}
}

// PublicKey is the VAPID application server key browsers subscribe with.
func (p *Pusher) PublicKey() string { return p.publicKey }

// Subscriptions exposes the subscription store.
func (p *Pusher) Subscriptions() *FileStore { return p.store }

// Notify queues a highlight for delivery. It never blocks; a full queue drops it.
func (p *Pusher) Notify(r record.Record, display string) {
	select {
	case p.jobs <- job{record: r, display: display}:
	default:
		telemetry.IncPushFailure()
		p.log.Warn("push queue full, highlight dropped", slog.String("id", r.ID))
	}
}

// Run delivers queued highlights until ctx is done.
func (p *Pusher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-p.jobs:
					p.deliver(ctx, j)
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pusher) deliver(ctx context.Context, j job) {
	subs, err := p.store.List()
	if err != nil {
		telemetry.IncPushFailure()
		p.log.Error("load push subscriptions", slog.Any("err", err))
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(messageFor(j.record, j.display))
	if err != nil {
		p.log.Error("encode push message", slog.Any("err", err))
		return
	}
	for _, sub := range subs {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		status, err := p.sender.Send(sendCtx, payload, sub)
		cancel()
		if status == http.StatusNotFound || status == http.StatusGone {
			p.log.Info("push subscription expired", slog.Int("status", status))
			if err := p.store.Remove(sub.Endpoint); err != nil {
				p.log.Warn("remove expired subscription", slog.Any("err", err))
			}
			continue
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			telemetry.IncPushFailure()
			p.log.Warn("push delivery failed", slog.Int("status", status), slog.Any("err", err))
		}
	}
}

func messageFor(r record.Record, display string) Message {
	body, err := record.BuildLine(r)
	if err != nil {
		body = r.Text()
	}
	return Message{
		Title:     display,
		Body:      body,
		Tag:       r.Channel,
		Channel:   r.Channel,
		RecordID:  r.ID,
		Timestamp: r.Time.UTC().Format(time.RFC3339),
	}
}
