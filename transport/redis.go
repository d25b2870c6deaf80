package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"go.einride.tech/can"

	"can-telemetry-core/codec"
	"can-telemetry-core/signal"
	"can-telemetry-core/sim"
	"can-telemetry-core/utils"
)

const (
	defaultPrefix       = "cansim"
	journalStreamMaxLen = 1000
)

// FrameMessage is the CBOR body published for each frame.
type FrameMessage struct {
	ID       uint32 `cbor:"1,keyasint"`
	Extended bool   `cbor:"2,keyasint,omitempty"`
	Data     []byte `cbor:"3,keyasint"`
	At       int64  `cbor:"4,keyasint"` // unix milliseconds
}

func EncodeFrame(frame can.Frame, at time.Time) ([]byte, error) {
	n := int(frame.Length)
	if n > codec.FrameLength {
		n = codec.FrameLength
	}
	data := make([]byte, n)
	copy(data, frame.Data[:n])
	return cbor.Marshal(FrameMessage{
		ID:       frame.ID,
		Extended: frame.IsExtended,
		Data:     data,
		At:       at.UnixMilli(),
	})
}

func DecodeFrame(payload []byte) (can.Frame, time.Time, error) {
	var msg FrameMessage
	if err := cbor.Unmarshal(payload, &msg); err != nil {
		return can.Frame{}, time.Time{}, fmt.Errorf("decode frame message: %w", err)
	}
	if len(msg.Data) > codec.FrameLength {
		return can.Frame{}, time.Time{}, fmt.Errorf("decode frame message: %d data bytes", len(msg.Data))
	}
	frame := can.Frame{ID: msg.ID, IsExtended: msg.Extended, Length: uint8(len(msg.Data))}
	copy(frame.Data[:], msg.Data)
	return frame, time.UnixMilli(msg.At), nil
}

// RedisPublisher hands frames and decoded values to Redis consumers:
//
//	<prefix>:frames        pub/sub channel, CBOR FrameMessage per frame
//	<prefix>:journal       stream of frames, capped
//	<prefix>:signals       hash, signal name -> formatted value
//	<prefix>:trends        hash, signal name -> up/down/stable
//	<prefix> signals       notification published after every snapshot
type RedisPublisher struct {
	redis   *redis.Client
	prefix  string
	log     logrus.FieldLogger
	mu      sync.Mutex
	now     func() time.Time
	dropped atomic.Uint64
}

// NewRedisPublisher wraps client. A nil log discards.
func NewRedisPublisher(client *redis.Client, prefix string, log logrus.FieldLogger) *RedisPublisher {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if log == nil {
		log = utils.Discard()
	}
	return &RedisPublisher{redis: client, prefix: prefix, log: log, now: time.Now}
}

// Dropped counts subscribed payloads that did not decode as frames.
func (p *RedisPublisher) Dropped() uint64 { return p.dropped.Load() }

func (p *RedisPublisher) key(name string) string { return p.prefix + ":" + name }

// SendFrame publishes one frame; it satisfies sim.FrameSink.
func (p *RedisPublisher) SendFrame(ctx context.Context, frame can.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	payload, err := EncodeFrame(frame, p.now())
	if err != nil {
		return err
	}

	pipe := p.redis.Pipeline()
	pipe.Publish(ctx, p.key("frames"), payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: p.key("journal"),
		MaxLen: journalStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":   signal.FormatCANID(frame.ID),
			"data": codec.FormatData(frame),
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish frame %s: %w", signal.FormatCANID(frame.ID), err)
	}
	return nil
}

// Observe stores a snapshot; it satisfies sim.Observer.
func (p *RedisPublisher) Observe(ctx context.Context, snap sim.Snapshot) error {
	if len(snap) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	values, trends := SnapshotFields(snap)
	pipe := p.redis.Pipeline()
	pipe.HSet(ctx, p.key("signals"), values)
	pipe.HSet(ctx, p.key("trends"), trends)
	pipe.Publish(ctx, p.prefix+" signals", nil)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// SnapshotFields flattens a snapshot into the two hashes Observe writes.
func SnapshotFields(snap sim.Snapshot) (values, trends map[string]interface{}) {
	values = make(map[string]interface{}, len(snap))
	trends = make(map[string]interface{}, len(snap))
	for name, r := range snap {
		values[name] = r.Text()
		trends[name] = r.Trend.String()
	}
	return values, trends
}

// Subscribe decodes frames published on the frame channel and hands them to
// fn until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context, fn func(can.Frame)) error {
	sub := p.redis.Subscribe(ctx, p.key("frames"))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.key("frames"), err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			p.deliver(msg.Payload, fn)
		}
	}
}

func (p *RedisPublisher) deliver(payload string, fn func(can.Frame)) {
	frame, _, err := DecodeFrame([]byte(payload))
	if err != nil {
		p.dropped.Add(1)
		p.log.WithError(err).Warnf("dropped malformed payload on %s (%d bytes)", p.key("frames"), len(payload))
		return
	}
	fn(frame)
}
