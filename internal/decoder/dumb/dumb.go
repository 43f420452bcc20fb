// Package dumb implements the baseline passthrough decoder: the whole
// request body becomes one broker message on the listener's default
// topic, unmodified. It exists as the GLOSSARY/9's baseline decoder
// variant alongside MSE, Meraki, and ZZ.
package dumb

import (
	"github.com/example/n2kafka/internal/broker"
	"github.com/example/n2kafka/internal/decoder"
)

// Decoder is the dumb decoder.
type Decoder struct {
	Topic string
}

// New creates a dumb decoder publishing to topic.
func New(topic string) *Decoder {
	return &Decoder{Topic: topic}
}

// Name implements decoder.Decoder.
func (d *Decoder) Name() string { return "dumb" }

// SupportsStreaming implements decoder.Decoder.
func (d *Decoder) SupportsStreaming() bool { return false }

// Decode implements decoder.BatchDecoder.
func (d *Decoder) Decode(vars decoder.MsgVars, body []byte) ([]broker.Message, error) {
	if len(body) == 0 {
		return nil, nil
	}
	topic := d.Topic
	if vars.Topic != "" {
		topic = vars.Topic
	}
	return []broker.Message{{
		Topic:     topic,
		Partition: broker.RandomPartition,
		Value:     body,
	}}, nil
}
