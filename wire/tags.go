// Package wire encodes and decodes the console telemetry protocol: a stream of
// single-byte message tags, each followed by a payload whose layout is fully
// determined by the tag.
package wire

import "fmt"

// MessageType is the single-byte discriminant that starts every message.
type MessageType uint8

const (
	ProtocolVersion MessageType = iota
	MappingInfoChecksum
	MappingInfoRequest
	MappingInfoFighterKinds
	MappingInfoFighterStatusKinds
	MappingInfoStageKinds
	MappingInfoHitStatusKinds
	MappingInfoRequestComplete
	GameStart
	GameResume
	GameEnd
	TrainingStart
	TrainingResume
	// TrainingReset is reserved by the console firmware but never sent; resets
	// are inferred from an end followed quickly by a start.
	TrainingReset
	TrainingEnd
	FighterState
)

// Protocol version spoken by this client.
const (
	VersionMajor uint8 = 1
	VersionMinor uint8 = 0
)

// BaseStatusFighter marks a status record that applies to every fighter.
const BaseStatusFighter uint8 = 255

// FighterStateSize is the payload length of a FighterState message.
const FighterStateSize = 29

var messageNames = [...]string{
	ProtocolVersion:               "ProtocolVersion",
	MappingInfoChecksum:           "MappingInfoChecksum",
	MappingInfoRequest:            "MappingInfoRequest",
	MappingInfoFighterKinds:       "MappingInfoFighterKinds",
	MappingInfoFighterStatusKinds: "MappingInfoFighterStatusKinds",
	MappingInfoStageKinds:         "MappingInfoStageKinds",
	MappingInfoHitStatusKinds:     "MappingInfoHitStatusKinds",
	MappingInfoRequestComplete:    "MappingInfoRequestComplete",
	GameStart:                     "GameStart",
	GameResume:                    "GameResume",
	GameEnd:                       "GameEnd",
	TrainingStart:                 "TrainingStart",
	TrainingResume:                "TrainingResume",
	TrainingReset:                 "TrainingReset",
	TrainingEnd:                   "TrainingEnd",
	FighterState:                  "FighterState",
}

func (t MessageType) String() string {
	if int(t) < len(messageNames) {
		return messageNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Known reports whether t is a tag this codec can frame.
func (t MessageType) Known() bool {
	return t <= FighterState
}

// IsMappingInfo reports whether t belongs to the mapping negotiation phase.
func (t MessageType) IsMappingInfo() bool {
	return t >= MappingInfoChecksum && t <= MappingInfoRequestComplete
}
