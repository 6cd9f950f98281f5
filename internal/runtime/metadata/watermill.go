package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies the headers of a routed message. The result is never
// nil, so handlers may write to it.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}
	return Metadata(maps.Clone(md))
}

// ToWatermill copies md onto a router message.
func ToWatermill(md Metadata) message.Metadata {
	if len(md) == 0 {
		return message.Metadata{}
	}
	return message.Metadata(maps.Clone(md))
}
