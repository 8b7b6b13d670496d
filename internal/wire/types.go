// Package wire defines the edge protocol messages and their protobuf wire encoding.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// UpdateMsgType tells the receiver which operation an update message carries.
type UpdateMsgType int32

const (
	EntityCreatedRPCMessage UpdateMsgType = 0
	EntityUpdatedRPCMessage UpdateMsgType = 1
	EntityDeletedRPCMessage UpdateMsgType = 2
	AlarmAckRPCMessage      UpdateMsgType = 3
	AlarmClearRPCMessage    UpdateMsgType = 4
	// Unrecognized is any number this build does not know.
	Unrecognized UpdateMsgType = -1
)

// ParseUpdateMsgType maps a wire number to a known type or Unrecognized.
func ParseUpdateMsgType(n int32) UpdateMsgType {
	switch t := UpdateMsgType(n); t {
	case EntityCreatedRPCMessage, EntityUpdatedRPCMessage, EntityDeletedRPCMessage,
		AlarmAckRPCMessage, AlarmClearRPCMessage:
		return t
	default:
		return Unrecognized
	}
}

func (t UpdateMsgType) String() string {
	switch t {
	case EntityCreatedRPCMessage:
		return "ENTITY_CREATED_RPC_MESSAGE"
	case EntityUpdatedRPCMessage:
		return "ENTITY_UPDATED_RPC_MESSAGE"
	case EntityDeletedRPCMessage:
		return "ENTITY_DELETED_RPC_MESSAGE"
	case AlarmAckRPCMessage:
		return "ALARM_ACK_RPC_MESSAGE"
	case AlarmClearRPCMessage:
		return "ALARM_CLEAR_RPC_MESSAGE"
	default:
		return "UNRECOGNIZED"
	}
}

// EdgeVersion is the protocol version an edge announces on connect.
type EdgeVersion int32

const (
	V_3_3_0  EdgeVersion = 0
	V_3_3_3  EdgeVersion = 1
	V_3_4_0  EdgeVersion = 2
	V_3_5_0  EdgeVersion = 3
	V_3_6_0  EdgeVersion = 4
	V_3_6_1  EdgeVersion = 5
	V_3_6_2  EdgeVersion = 6
	V_3_6_4  EdgeVersion = 7
	V_3_7_0  EdgeVersion = 8
	V_LATEST EdgeVersion = 999
)

var edgeVersionNames = map[EdgeVersion]string{
	V_3_3_0:  "V_3_3_0",
	V_3_3_3:  "V_3_3_3",
	V_3_4_0:  "V_3_4_0",
	V_3_5_0:  "V_3_5_0",
	V_3_6_0:  "V_3_6_0",
	V_3_6_1:  "V_3_6_1",
	V_3_6_2:  "V_3_6_2",
	V_3_6_4:  "V_3_6_4",
	V_3_7_0:  "V_3_7_0",
	V_LATEST: "V_LATEST",
}

func (v EdgeVersion) String() string {
	if name, ok := edgeVersionNames[v]; ok {
		return name
	}
	return fmt.Sprintf("EdgeVersion(%d)", int32(v))
}

// IsLegacy reports whether the edge speaks the name-based V1 dialect.
func (v EdgeVersion) IsLegacy() bool {
	return v < V_3_6_0
}

// ParseEdgeVersion parses a version name such as "V_3_6_0".
// An empty string means the edge did not announce one and is treated as V_LATEST.
func ParseEdgeVersion(s string) (EdgeVersion, error) {
	if s == "" {
		return V_LATEST, nil
	}
	for v, name := range edgeVersionNames {
		if name == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("invalid edge version: %q", s)
}

// UUIDToParts splits an id into the most and least significant halves used on the wire.
func UUIDToParts(id uuid.UUID) (msb, lsb int64) {
	return int64(binary.BigEndian.Uint64(id[:8])), int64(binary.BigEndian.Uint64(id[8:]))
}

// UUIDFromParts joins the two wire halves back into an id.
func UUIDFromParts(msb, lsb int64) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[:8], uint64(msb))
	binary.BigEndian.PutUint64(id[8:], uint64(lsb))
	return id
}
