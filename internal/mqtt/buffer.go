package mqtt

import (
	"github.com/rs/zerolog/log"

	"github.com/sweeney/valved/internal/ring"
)

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// offlineBuffer holds messages published while the broker is unreachable.
// Callers hold RealPublisher.mu.
type offlineBuffer struct {
	msgs     *ring.Buffer[bufferedMsg]
	overflow bool // a message was dropped since the last replay
	dropped  uint64
}

func newOfflineBuffer(capacity int) *offlineBuffer {
	return &offlineBuffer{msgs: ring.New[bufferedMsg](capacity)}
}

// push queues msg, dropping the oldest message when full.
func (o *offlineBuffer) push(msg bufferedMsg) {
	if !o.msgs.Push(msg) {
		return
	}
	o.dropped++
	if !o.overflow {
		log.Warn().Str("component", "mqtt").Int("capacity", o.msgs.Cap()).Str("topic", msg.topic).Msg("Offline buffer full, dropping oldest")
		o.overflow = true
	}
}

// replay returns the queued messages oldest first and re-arms the overflow
// warning.
func (o *offlineBuffer) replay() []bufferedMsg {
	o.overflow = false
	return o.msgs.Drain()
}

func (o *offlineBuffer) len() int {
	return o.msgs.Len()
}
