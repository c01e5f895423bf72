package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/demon-run/demon/internal/config"
	"github.com/demon-run/demon/internal/events"
	"github.com/demon-run/demon/internal/telemetry"
)

// minDedupeWindow is the lower bound spec.md §6 places on the bus's
// messageId dedupe window ("dedupe window ≥ 60s").
const minDedupeWindow = 60 * time.Second

// jsLog is the JetStream-backed Log implementation. It owns a single
// durable stream bound to the ritual and (optionally) policy subject
// prefixes, as described in spec.md §6 "Wire: streaming bus".
type jsLog struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream

	log telemetry.Logger
	tr  telemetry.Tracer
}

// Open connects to NATS and binds (creating if necessary) the ritual
// events stream per cfg. streamName defaults to cfg.RitualStreamName;
// subjects bound are "demon.ritual.v1.>" and "demon.policy.v1.>".
func Open(ctx context.Context, cfg config.Config, log telemetry.Logger, tr telemetry.Tracer) (Log, error) {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if tr == nil {
		tr = telemetry.NewNoopTracer()
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("demon-kernel"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", ErrTransport, cfg.NATSURL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: init jetstream context: %v", ErrTransport, err)
	}

	dedupe := cfg.DedupeWindow
	if dedupe < minDedupeWindow {
		dedupe = minDedupeWindow
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.RitualStreamName,
		Subjects:   []string{RitualSubjectPrefix + ".>", PolicySubjectPrefix + ".>"},
		Duplicates: dedupe,
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     0, // unlimited retention per spec.md §6
		MaxBytes:   -1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: bind stream %s: %v", ErrTransport, cfg.RitualStreamName, err)
	}

	return &jsLog{nc: nc, js: js, stream: stream, log: log, tr: tr}, nil
}

func (l *jsLog) Close() error {
	l.nc.Close()
	return nil
}

func (l *jsLog) Publish(ctx context.Context, subject, messageID string, env events.Envelope) (PublishResult, error) {
	ctx, span := l.tr.Start(ctx, "eventlog.Publish")
	defer span.End()

	data, err := env.Marshal()
	if err != nil {
		return PublishResult{}, fmt.Errorf("marshal event: %w", err)
	}

	ack, err := l.js.Publish(ctx, subject, data, jetstream.WithMsgID(messageID))
	if err != nil {
		span.RecordError(err)
		return PublishResult{}, fmt.Errorf("%w: publish %s: %v", ErrTransport, subject, err)
	}

	if ack.Duplicate {
		l.log.Debug(ctx, "eventlog publish deduped", "messageId", messageID, "subject", subject, "seq", ack.Sequence)
	}

	return PublishResult{Seq: ack.Sequence, Duplicate: ack.Duplicate}, nil
}

func (l *jsLog) ReadOrdered(ctx context.Context, subjectFilter string, from uint64) ([]events.Envelope, error) {
	ctx, span := l.tr.Start(ctx, "eventlog.ReadOrdered")
	defer span.End()

	info, err := l.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: stream info: %v", ErrTransport, err)
	}
	if info.State.LastSeq == 0 {
		return nil, nil
	}

	deliverPolicy := jetstream.DeliverAllPolicy
	startSeq := uint64(0)
	if from > 0 {
		deliverPolicy = jetstream.DeliverByStartSequencePolicy
		startSeq = from
	}

	consumer, err := l.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subjectFilter},
		DeliverPolicy:  deliverPolicy,
		OptStartSeq:    startSeq,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ordered consumer: %v", ErrTransport, err)
	}

	var out []events.Envelope
	for {
		remaining := info.State.LastSeq
		batch, err := consumer.Fetch(256, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("%w: fetch: %v", ErrTransport, err)
		}
		n := 0
		for msg := range batch.Messages() {
			n++
			env, err := events.Unmarshal(msg.Data())
			if err != nil {
				span.RecordError(err)
				continue
			}
			meta, err := msg.Metadata()
			if err == nil {
				env.Seq = meta.Sequence.Stream
			}
			out = append(out, env)
			if err := msg.Ack(); err != nil {
				l.log.Warn(ctx, "eventlog ack failed", "error", err.Error())
			}
			if env.Seq >= remaining {
				return out, nil
			}
		}
		if n == 0 {
			return out, nil
		}
	}
}

func (l *jsLog) SubscribeEphemeral(ctx context.Context, subjectFilter string) (<-chan events.Envelope, error) {
	consumer, err := l.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subjectFilter},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral consumer: %v", ErrTransport, err)
	}

	out := make(chan events.Envelope, 64)
	msgs, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral message iterator: %v", ErrTransport, err)
	}

	go func() {
		defer close(out)
		defer msgs.Stop()
		for {
			msg, err := msgs.Next()
			if err != nil {
				l.log.Warn(ctx, "eventlog ephemeral subscription ended", "error", err.Error())
				return
			}
			env, err := events.Unmarshal(msg.Data())
			if err != nil {
				continue
			}
			if meta, err := msg.Metadata(); err == nil {
				env.Seq = meta.Sequence.Stream
			}
			_ = msg.Ack()
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (l *jsLog) CreateDurableConsumer(ctx context.Context, name, subjectFilter string) (Consumer, error) {
	cons, err := l.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        name,
		FilterSubject:  subjectFilter,
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		MaxAckPending:  1024,
		AckWait:        30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: durable consumer %s: %v", ErrTransport, name, err)
	}
	return &jsConsumer{consumer: cons}, nil
}

type jsConsumer struct {
	consumer jetstream.Consumer
}

func (c *jsConsumer) Fetch(ctx context.Context, max int, timeout time.Duration) ([]Delivery, error) {
	batch, err := c.consumer.Fetch(max, jetstream.FetchMaxWait(timeout))
	if err != nil {
		return nil, fmt.Errorf("%w: fetch: %v", ErrTransport, err)
	}

	var out []Delivery
	for msg := range batch.Messages() {
		env, err := events.Unmarshal(msg.Data())
		if err != nil {
			_ = msg.Nak()
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			env.Seq = meta.Sequence.Stream
		}
		m := msg
		out = append(out, Delivery{
			Envelope: env,
			Ack:      func() error { return m.Ack() },
			Nak:      func() error { return m.Nak() },
		})
	}
	if err := batch.Error(); err != nil {
		return out, fmt.Errorf("%w: batch: %v", ErrTransport, err)
	}
	return out, nil
}
