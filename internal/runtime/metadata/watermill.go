package metadata

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill converts Watermill metadata into fanout metadata.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts fanout metadata into a Watermill map.
func ToWatermill(metadata Metadata) message.Metadata {
	if len(metadata) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(metadata))
	for k, v := range metadata {
		wm[k] = v
	}
	return wm
}

// RetryLeft reads the retry header of msg.
func RetryLeft(msg *message.Message) (int, bool) {
	if msg == nil {
		return 0, false
	}
	return FromWatermill(msg.Metadata).Int(KeyRetryLeft)
}

// SetRetryLeft writes the retry header of msg.
func SetRetryLeft(msg *message.Message, remaining int) {
	msg.Metadata.Set(KeyRetryLeft, strconv.Itoa(remaining))
}

// ReplyTo returns the inbox identity recorded on msg, or "" when absent.
func ReplyTo(msg *message.Message) string {
	if msg == nil {
		return ""
	}
	return msg.Metadata.Get(KeyReplyTo)
}
