package app

import (
	"context"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"staycore/internal/adapters/observability"
	"staycore/internal/clock"
	"staycore/internal/domain"
)

type PublisherConfig struct {
	Interval    time.Duration // drain poll interval
	BatchBytes  int           // payload ceiling per batch
	MaxAttempts int           // transient retries before failed
	SendsPerSec int           // outbound rate ceiling
	FetchLimit  int           // pending events per drain pass
	SendTimeout time.Duration // per-batch request deadline
}

func (c *PublisherConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.BatchBytes <= 0 {
		c.BatchBytes = 16 << 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.SendsPerSec <= 0 {
		c.SendsPerSec = 5
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 256
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 20 * time.Second
	}
}

// Publisher drains the outbox toward the external ARI channel: batches by
// (property, kind, month), throttles to the outbound rate ceiling, retries
// transient failures with jittered backoff and parks permanent rejections as
// failed for manual re-drive.
type Publisher struct {
	outbox  domain.OutboxRepository
	channel domain.ChannelClient
	clk     clock.Clock
	limiter *rate.Limiter
	cfg     PublisherConfig
}

func NewPublisher(outbox domain.OutboxRepository, channel domain.ChannelClient, clk clock.Clock, cfg PublisherConfig) *Publisher {
	cfg.defaults()
	return &Publisher{
		outbox:  outbox,
		channel: channel,
		clk:     clk,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendsPerSec), cfg.SendsPerSec),
		cfg:     cfg,
	}
}

// Run polls until the context is cancelled. A hung send only delays this
// loop, never the allocation or sweeper paths, which run elsewhere.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	log.Info().Dur("interval", p.cfg.Interval).Msg("ari publisher started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("ari publisher stopped")
			return
		case <-ticker.C:
			if err := p.Drain(ctx); err != nil {
				log.Error().Err(err).Msg("outbox drain failed")
			}
		}
	}
}

// Drain processes one pass of due pending events.
func (p *Publisher) Drain(ctx context.Context) error {
	events, err := p.outbox.ListPending(ctx, p.clk.Now(), p.cfg.FetchLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	for _, batch := range p.groupBatches(events) {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		p.sendBatch(ctx, batch)
	}
	return nil
}

type eventBatch struct {
	propertyID string
	kind       domain.EventKind
	events     []domain.OutboxEvent
}

// groupBatches buckets events by (property, kind, checkin month) and splits
// each bucket at the payload byte ceiling. Send order across distinct keys
// is not guaranteed; the channel merges by key.
func (p *Publisher) groupBatches(events []domain.OutboxEvent) []eventBatch {
	type bucket struct {
		property, month string
		kind            domain.EventKind
	}
	grouped := map[bucket][]domain.OutboxEvent{}
	var order []bucket
	for _, e := range events {
		b := bucket{property: e.PropertyID, kind: e.Kind, month: e.Stay.Checkin.Format("2006-01")}
		if _, seen := grouped[b]; !seen {
			order = append(order, b)
		}
		grouped[b] = append(grouped[b], e)
	}
	var out []eventBatch
	for _, b := range order {
		cur := eventBatch{propertyID: b.property, kind: b.kind}
		size := 0
		for _, e := range grouped[b] {
			if size > 0 && size+len(e.Payload) > p.cfg.BatchBytes {
				out = append(out, cur)
				cur = eventBatch{propertyID: b.property, kind: b.kind}
				size = 0
			}
			cur.events = append(cur.events, e)
			size += len(e.Payload)
		}
		if len(cur.events) > 0 {
			out = append(out, cur)
		}
	}
	return out
}

func (p *Publisher) sendBatch(ctx context.Context, batch eventBatch) {
	items := make([]domain.ChannelItem, len(batch.events))
	h := sha256.New()
	for i, e := range batch.events {
		items[i] = domain.ChannelItem{Key: e.DedupeKey(), Kind: e.Kind, Payload: e.Payload}
		h.Write(e.Payload)
	}
	payloadHash := hex.EncodeToString(h.Sum(nil))

	state, err := p.outbox.GetChannelState(ctx, batch.propertyID, batch.kind)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Error().Err(err).Msg("channel state read failed")
		return
	}
	if state.LastPayloadHash == payloadHash && state.LastError == "" {
		// Forced full-sync produced content identical to the last success:
		// retire the events without a redundant send.
		p.markSent(ctx, batch, payloadHash, nil)
		observability.ObservePublish(string(batch.kind), "skipped_identical")
		return
	}

	corrID := uuid.NewString()
	body, _ := json.Marshal(domain.ChannelBatch{PropertyID: batch.propertyID, Items: items})

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	res, err := p.channel.Publish(sendCtx, domain.ChannelBatch{PropertyID: batch.propertyID, Items: items})
	cancel()

	rec := domain.DeliveryRecord{
		CorrelationID: corrID,
		Direction:     "outbound",
		Payload:       body,
		Response:      res.Raw,
		At:            p.clk.Now(),
	}

	switch {
	case err == nil:
		rec.Status = domain.DeliveryOK
		p.markSent(ctx, batch, payloadHash, res.ItemErrors)
		observability.ObservePublish(string(batch.kind), "ok")

	case domain.IsTransient(err) || errors.Is(err, context.DeadlineExceeded):
		rec.Status = domain.DeliveryRetry
		p.scheduleRetries(ctx, batch, err)
		observability.ObservePublish(string(batch.kind), "retry")

	default:
		rec.Status = domain.DeliveryFailed
		for _, e := range batch.events {
			if mErr := p.outbox.MarkFailed(ctx, e.ID, err.Error()); mErr != nil {
				log.Error().Err(mErr).Int64("event", e.ID).Msg("mark failed failed")
			}
		}
		p.recordState(ctx, batch.propertyID, batch.kind, "", err.Error())
		observability.ObservePublish(string(batch.kind), "failed")
		log.Error().Err(err).Str("property", batch.propertyID).
			Str("kind", string(batch.kind)).Str("correlation", corrID).
			Msg("channel rejected batch; manual re-drive required")
	}

	if dErr := p.outbox.InsertDelivery(ctx, rec); dErr != nil {
		log.Error().Err(dErr).Str("correlation", corrID).Msg("delivery record write failed")
	}
}

// markSent retires the batch, honoring per-item rejections from the channel.
func (p *Publisher) markSent(ctx context.Context, batch eventBatch, payloadHash string, itemErrs []domain.ItemError) {
	rejected := map[string]string{}
	for _, ie := range itemErrs {
		rejected[ie.Key] = ie.Message
	}
	var sentIDs []int64
	for _, e := range batch.events {
		if msg, bad := rejected[e.DedupeKey()]; bad {
			if err := p.outbox.MarkFailed(ctx, e.ID, msg); err != nil {
				log.Error().Err(err).Int64("event", e.ID).Msg("mark failed failed")
			}
			continue
		}
		sentIDs = append(sentIDs, e.ID)
	}
	if len(sentIDs) > 0 {
		if err := p.outbox.MarkSent(ctx, sentIDs); err != nil {
			log.Error().Err(err).Msg("mark sent failed")
			return
		}
	}
	p.recordState(ctx, batch.propertyID, batch.kind, payloadHash, "")
}

func (p *Publisher) scheduleRetries(ctx context.Context, batch eventBatch, cause error) {
	now := p.clk.Now()
	for _, e := range batch.events {
		attempts := e.Attempts + 1
		if attempts >= p.cfg.MaxAttempts {
			if err := p.outbox.MarkFailed(ctx, e.ID, "retries exhausted: "+cause.Error()); err != nil {
				log.Error().Err(err).Int64("event", e.ID).Msg("mark failed failed")
			}
			continue
		}
		next := now.Add(sendBackoff(attempts))
		if err := p.outbox.MarkRetry(ctx, e.ID, attempts, next, cause.Error()); err != nil {
			log.Error().Err(err).Int64("event", e.ID).Msg("mark retry failed")
		}
	}
	p.recordState(ctx, batch.propertyID, batch.kind, "", cause.Error())
}

func (p *Publisher) recordState(ctx context.Context, propertyID string, kind domain.EventKind, hash, lastErr string) {
	state := domain.ChannelState{PropertyID: propertyID, Kind: kind, LastError: lastErr}
	if lastErr == "" {
		now := p.clk.Now()
		state.LastSuccessAt = &now
		state.LastPayloadHash = hash
	}
	if err := p.outbox.UpsertChannelState(ctx, state); err != nil {
		log.Error().Err(err).Str("property", propertyID).Msg("channel state write failed")
	}
}

// sendBackoff doubles per attempt (500ms, 1s, 2s, ...) with up to +50%
// jitter to avoid retry herds across publishers.
func sendBackoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
	if base > 2*time.Minute {
		base = 2 * time.Minute
	}
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	return base + time.Duration(0.5*f*float64(base))
}
