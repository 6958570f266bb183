package presence

import (
	"context"
	"encoding/json"

	"chatify/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const bridgeChannel = "chatify:events"

// bridgeFrame is the wire format mirrored between instances. Frames carry
// the origin instance id so the publisher skips its own echo.
type bridgeFrame struct {
	Instance string          `json:"instance"`
	Room     string          `json:"room"`
	Payload  json.RawMessage `json:"payload"`
}

// Bridge mirrors registry emits across instances over redis pub/sub.
// Sessions stay local to their instance; only events travel.
type Bridge struct {
	rdb        *redis.Client
	registry   *Registry
	instanceID string
}

func NewBridge(rdb *redis.Client, registry *Registry) *Bridge {
	return &Bridge{
		rdb:        rdb,
		registry:   registry,
		instanceID: uuid.NewString(),
	}
}

// Publish forwards an already-encoded event to the other instances.
// Fire-and-forget: a failed publish only loses the remote copies.
func (b *Bridge) Publish(key RoomKey, payload []byte) {
	frame, err := json.Marshal(bridgeFrame{
		Instance: b.instanceID,
		Room:     key.String(),
		Payload:  payload,
	})
	if err != nil {
		logger.Error("bridge frame encode: %v", err)
		return
	}
	if err := b.rdb.Publish(context.Background(), bridgeChannel, frame).Err(); err != nil {
		logger.Error("bridge publish: %v", err)
	}
}

// Run subscribes to the mirror channel and re-emits foreign frames to the
// local room members. Blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	pubsub := b.rdb.Subscribe(ctx, bridgeChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame bridgeFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				logger.Error("bridge frame decode: %v", err)
				continue
			}
			if frame.Instance == b.instanceID {
				continue
			}
			key, ok := parseRoomKey(frame.Room)
			if !ok {
				continue
			}
			b.registry.emitLocal(key, frame.Payload)
		}
	}
}
