package wire

import "github.com/google/uuid"

// UpdateMsg is the part every per-entity update message shares.
type UpdateMsg interface {
	GetMsgType() UpdateMsgType
	EntityUUID() (uuid.UUID, bool)
	GetEntity() []byte
}

// EntityUpdateMsg carries one entity change. Entity holds the JSON form of the entity.
type EntityUpdateMsg struct {
	MsgType UpdateMsgType
	IDMSB   int64
	IDLSB   int64
	Entity  []byte
}

// NewEntityUpdateMsg builds an update message for id with an optional JSON body.
func NewEntityUpdateMsg(msgType UpdateMsgType, id uuid.UUID, entity []byte) *EntityUpdateMsg {
	msb, lsb := UUIDToParts(id)
	return &EntityUpdateMsg{MsgType: msgType, IDMSB: msb, IDLSB: lsb, Entity: entity}
}

func (m *EntityUpdateMsg) GetMsgType() UpdateMsgType { return m.MsgType }

func (m *EntityUpdateMsg) GetEntity() []byte { return m.Entity }

// EntityUUID returns the id carried in the message, false when both halves are zero.
func (m *EntityUpdateMsg) EntityUUID() (uuid.UUID, bool) {
	if m.IDMSB == 0 && m.IDLSB == 0 {
		return uuid.Nil, false
	}
	return UUIDFromParts(m.IDMSB, m.IDLSB), true
}

// AlarmUpdateMsg is an alarm change. The flat fields after the embedded header
// are only filled by and for legacy edges, which identify the originator by name.
type AlarmUpdateMsg struct {
	EntityUpdateMsg

	Type           string
	OriginatorType string
	OriginatorName string
	Severity       string
	Status         string
	StartTs        int64
	EndTs          int64
	AckTs          int64
	ClearTs        int64
	Details        string
	Propagate      bool
}

// UplinkMsg is a batch of changes sent by an edge.
type UplinkMsg struct {
	UplinkMsgID                   int32
	AlarmUpdateMsg                []*AlarmUpdateMsg
	AlarmCommentUpdateMsg         []*EntityUpdateMsg
	NotificationRuleUpdateMsg     []*EntityUpdateMsg
	NotificationTargetUpdateMsg   []*EntityUpdateMsg
	NotificationTemplateUpdateMsg []*EntityUpdateMsg
}

// DownlinkMsg is a change sent to an edge. Converters fill exactly one list.
type DownlinkMsg struct {
	DownlinkMsgID                 int32
	AlarmUpdateMsg                []*AlarmUpdateMsg
	AlarmCommentUpdateMsg         []*EntityUpdateMsg
	NotificationRuleUpdateMsg     []*EntityUpdateMsg
	NotificationTargetUpdateMsg   []*EntityUpdateMsg
	NotificationTemplateUpdateMsg []*EntityUpdateMsg
}

// IsEmpty reports whether the message carries no update.
func (m *DownlinkMsg) IsEmpty() bool {
	return len(m.AlarmUpdateMsg) == 0 &&
		len(m.AlarmCommentUpdateMsg) == 0 &&
		len(m.NotificationRuleUpdateMsg) == 0 &&
		len(m.NotificationTargetUpdateMsg) == 0 &&
		len(m.NotificationTemplateUpdateMsg) == 0
}

// UplinkResponseMsg answers an UplinkMsg.
type UplinkResponseMsg struct {
	UplinkMsgID int32
	Success     bool
	ErrorMsg    string
}

// DownlinkResponseMsg is the edge's ACK or NACK for a DownlinkMsg.
type DownlinkResponseMsg struct {
	DownlinkMsgID int32
	Success       bool
	ErrorMsg      string
}

// RequestMsg is the frame sent from edge to cloud. One field is set.
type RequestMsg struct {
	UplinkMsg           *UplinkMsg
	DownlinkResponseMsg *DownlinkResponseMsg
}

// ResponseMsg is the frame sent from cloud to edge. One field is set.
type ResponseMsg struct {
	UplinkResponseMsg *UplinkResponseMsg
	DownlinkMsg       *DownlinkMsg
}
