package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"go.uber.org/zap"
)

// EventSink publishes signed nostr events.
type EventSink interface {
	Publish(ctx context.Context, event *nostr.Event) error
}

// NostrPublisher posts signals as signed text notes that mention the
// configured recipients, so operators following the bot see them.
type NostrPublisher struct {
	secretKey  string
	pubkey     string
	recipients []string // hex pubkeys
	sink       EventSink
}

// NewNostrPublisher signs with secretKeyHex and tags every recipient. Recipients
// may be npubs or hex pubkeys.
func NewNostrPublisher(secretKeyHex string, recipients []string, sink EventSink) (*NostrPublisher, error) {
	pubkey, err := nostr.GetPublicKey(secretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}

	hexKeys := make([]string, 0, len(recipients))
	for _, r := range recipients {
		hex, err := recipientHex(r)
		if err != nil {
			return nil, err
		}
		hexKeys = append(hexKeys, hex)
	}

	return &NostrPublisher{
		secretKey:  secretKeyHex,
		pubkey:     pubkey,
		recipients: hexKeys,
		sink:       sink,
	}, nil
}

func recipientHex(r string) (string, error) {
	if !strings.HasPrefix(r, "npub") {
		if !nostr.IsValidPublicKey(r) {
			return "", fmt.Errorf("invalid recipient pubkey %q", r)
		}
		return r, nil
	}
	prefix, value, err := nip19.Decode(r)
	if err != nil {
		return "", fmt.Errorf("decoding recipient %s: %w", r, err)
	}
	if prefix != "npub" {
		return "", fmt.Errorf("recipient %s is not an npub", r)
	}
	return value.(string), nil
}

// Publish signs a note carrying the signal summary and hands it to the sink.
func (p *NostrPublisher) Publish(ctx context.Context, sig InsufficientStock) error {
	tags := nostr.Tags{{"t", "ticketstock"}}
	for _, pk := range p.recipients {
		tags = append(tags, nostr.Tag{"p", pk})
	}

	ev := nostr.Event{
		PubKey:    p.pubkey,
		CreatedAt: nostr.Timestamp(sig.DetectedAt.Unix()),
		Kind:      nostr.KindTextNote,
		Tags:      tags,
		Content:   sig.Summary(),
	}
	if err := ev.Sign(p.secretKey); err != nil {
		return fmt.Errorf("signing alert note: %w", err)
	}

	return p.sink.Publish(ctx, &ev)
}

// RelayPool publishes events to a fixed set of relays.
type RelayPool struct {
	urls   []string
	relays []*nostr.Relay
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewRelayPool creates a pool for urls. Call Connect before publishing.
func NewRelayPool(urls []string, logger *zap.Logger) *RelayPool {
	return &RelayPool{urls: urls, logger: logger}
}

// Connect dials every relay. It fails only when no relay is reachable.
func (rp *RelayPool) Connect(ctx context.Context) error {
	var connected int
	for _, url := range rp.urls {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			rp.logger.Warn("relay connect failed", zap.String("relay", url), zap.Error(err))
			continue
		}

		rp.mu.Lock()
		rp.relays = append(rp.relays, relay)
		rp.mu.Unlock()
		connected++
	}

	if connected == 0 {
		return fmt.Errorf("failed to connect to any relays")
	}
	rp.logger.Info("connected to relays", zap.Int("connected", connected), zap.Int("configured", len(rp.urls)))
	return nil
}

// ErrNoRelays indicates a publish on a pool with no connected relay.
var ErrNoRelays = errors.New("no relay connected")

// Publish sends event to all connected relays. It succeeds if any relay
// accepted the event.
func (rp *RelayPool) Publish(ctx context.Context, event *nostr.Event) error {
	rp.mu.RLock()
	relays := make([]*nostr.Relay, len(rp.relays))
	copy(relays, rp.relays)
	rp.mu.RUnlock()

	if len(relays) == 0 {
		return ErrNoRelays
	}

	var lastErr error
	var published int
	for _, relay := range relays {
		if err := relay.Publish(ctx, *event); err != nil {
			lastErr = err
			rp.logger.Warn("publish failed", zap.String("relay", relay.URL), zap.Error(err))
			continue
		}
		published++
	}

	if published == 0 {
		return fmt.Errorf("failed to publish to any relay: %w", lastErr)
	}
	return nil
}

// Close disconnects every relay.
func (rp *RelayPool) Close() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	for _, relay := range rp.relays {
		_ = relay.Close()
	}
	rp.relays = nil
}
