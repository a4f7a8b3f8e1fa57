package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Subject names for the three background pipeline stages this bus fans
// out to (SPEC_FULL.md §2: "snapshotter → DLQ reaper → tiering").
const (
	SubjectSnapshotRequested = "akidb.snapshot.requested"
	SubjectDLQReapRequested  = "akidb.dlq.reap"
	SubjectTierScanRequested = "akidb.tiering.scan"
)

// CollectionEvent is the payload for every pipeline subject: which
// collection triggered it and, for snapshot requests, the WAL LSN the
// snapshot should cover (spec §6: manifest LSN watermark).
type CollectionEvent struct {
	CollectionID string `json:"collection_id"`
	LSN          uint64 `json:"lsn,omitempty"`
}

// Subscription cancels a Subscribe call's subscription.
type Subscription struct {
	sub *nats.Subscription
}

// Unsubscribe stops delivery to the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() error {
	if s == nil || s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// publish JSON-encodes event and sends it on subject.
func (b *Bus) publish(subject string, event CollectionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("bus: encoding event for %s: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publishing to %s: %w", subject, err)
	}
	return nil
}

// subscribe decodes every message on subject as a CollectionEvent and
// hands it to handler. Decode failures are logged and dropped rather than
// crashing the subscriber — a malformed message on an internal bus is a
// bug to observe, not propagate.
func (b *Bus) subscribe(subject string, handler func(CollectionEvent)) (*Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event CollectionEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("bus: dropping malformed message on " + subject)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribing to %s: %w", subject, err)
	}
	return &Subscription{sub: sub}, nil
}

// PublishSnapshotRequested fans out a request for the snapshotter to
// materialize collectionID's current state up to lsn (storage.Snapshotter.Snapshot).
func (b *Bus) PublishSnapshotRequested(collectionID string, lsn uint64) error {
	return b.publish(SubjectSnapshotRequested, CollectionEvent{CollectionID: collectionID, LSN: lsn})
}

// SubscribeSnapshotRequested registers handler for every snapshot request.
func (b *Bus) SubscribeSnapshotRequested(handler func(CollectionEvent)) (*Subscription, error) {
	return b.subscribe(SubjectSnapshotRequested, handler)
}

// PublishDLQReapRequested fans out a request for the DLQ reaper to drain
// collectionID's dead-letter queue (storage.DeadLetterQueue.ListForCollection).
func (b *Bus) PublishDLQReapRequested(collectionID string) error {
	return b.publish(SubjectDLQReapRequested, CollectionEvent{CollectionID: collectionID})
}

// SubscribeDLQReapRequested registers handler for every DLQ reap request.
func (b *Bus) SubscribeDLQReapRequested(handler func(CollectionEvent)) (*Subscription, error) {
	return b.subscribe(SubjectDLQReapRequested, handler)
}

// PublishTierScanRequested fans out an out-of-band request to re-evaluate
// collectionID's tier immediately, instead of waiting for
// storage.TieringManager's next scan interval.
func (b *Bus) PublishTierScanRequested(collectionID string) error {
	return b.publish(SubjectTierScanRequested, CollectionEvent{CollectionID: collectionID})
}

// SubscribeTierScanRequested registers handler for every out-of-band
// tier-scan request.
func (b *Bus) SubscribeTierScanRequested(handler func(CollectionEvent)) (*Subscription, error) {
	return b.subscribe(SubjectTierScanRequested, handler)
}
