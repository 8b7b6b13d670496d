package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for any payload that is not a valid message.
var ErrMalformed = errors.New("malformed message")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// --- encoding helpers (proto3: zero values are omitted) ---

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	return appendVarintField(b, num, uint64(int64(v)))
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendVarintField(b, num, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarintField(b, num, protowire.EncodeBool(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// --- decoding helpers ---

type fieldReader struct {
	b []byte
}

func (r *fieldReader) more() bool { return len(r.b) > 0 }

func (r *fieldReader) tag() (protowire.Number, protowire.Type, error) {
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		return 0, 0, malformed("tag: %v", protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return num, typ, nil
}

func (r *fieldReader) varint(num protowire.Number, typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, malformed("field %d: expected varint, got wire type %d", num, typ)
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		return 0, malformed("field %d: %v", num, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *fieldReader) bytes(num protowire.Number, typ protowire.Type) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, malformed("field %d: expected bytes, got wire type %d", num, typ)
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		return nil, malformed("field %d: %v", num, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *fieldReader) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, r.b)
	if n < 0 {
		return malformed("field %d: %v", num, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return nil
}

// --- EntityUpdateMsg: 1 msgType, 2 idMSB, 3 idLSB, 4 entity ---

func (m *EntityUpdateMsg) appendFields(b []byte) []byte {
	b = appendInt32(b, 1, int32(m.MsgType))
	b = appendInt64(b, 2, m.IDMSB)
	b = appendInt64(b, 3, m.IDLSB)
	return appendBytes(b, 4, m.Entity)
}

// readField consumes one header field. It returns false when num is not a header field.
func (m *EntityUpdateMsg) readField(r *fieldReader, num protowire.Number, typ protowire.Type) (bool, error) {
	switch num {
	case 1:
		v, err := r.varint(num, typ)
		if err != nil {
			return true, err
		}
		m.MsgType = ParseUpdateMsgType(int32(v))
	case 2:
		v, err := r.varint(num, typ)
		if err != nil {
			return true, err
		}
		m.IDMSB = int64(v)
	case 3:
		v, err := r.varint(num, typ)
		if err != nil {
			return true, err
		}
		m.IDLSB = int64(v)
	case 4:
		v, err := r.bytes(num, typ)
		if err != nil {
			return true, err
		}
		m.Entity = append([]byte(nil), v...)
	default:
		return false, nil
	}
	return true, nil
}

func unmarshalEntityUpdateMsg(b []byte) (*EntityUpdateMsg, error) {
	m := &EntityUpdateMsg{}
	r := &fieldReader{b: b}
	for r.more() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		handled, err := m.readField(r, num, typ)
		if err != nil {
			return nil, err
		}
		if !handled {
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// --- AlarmUpdateMsg: header 1-4, then 5..15 legacy fields ---

func (m *AlarmUpdateMsg) marshal() []byte {
	b := m.EntityUpdateMsg.appendFields(nil)
	b = appendString(b, 5, m.Type)
	b = appendString(b, 6, m.OriginatorType)
	b = appendString(b, 7, m.OriginatorName)
	b = appendString(b, 8, m.Severity)
	b = appendString(b, 9, m.Status)
	b = appendInt64(b, 10, m.StartTs)
	b = appendInt64(b, 11, m.EndTs)
	b = appendInt64(b, 12, m.AckTs)
	b = appendInt64(b, 13, m.ClearTs)
	b = appendString(b, 14, m.Details)
	return appendBool(b, 15, m.Propagate)
}

func unmarshalAlarmUpdateMsg(b []byte) (*AlarmUpdateMsg, error) {
	m := &AlarmUpdateMsg{}
	r := &fieldReader{b: b}
	for r.more() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		handled, err := m.EntityUpdateMsg.readField(r, num, typ)
		if err != nil {
			return nil, err
		}
		if handled {
			continue
		}

		switch num {
		case 5, 6, 7, 8, 9, 14:
			v, err := r.bytes(num, typ)
			if err != nil {
				return nil, err
			}
			s := string(v)
			switch num {
			case 5:
				m.Type = s
			case 6:
				m.OriginatorType = s
			case 7:
				m.OriginatorName = s
			case 8:
				m.Severity = s
			case 9:
				m.Status = s
			case 14:
				m.Details = s
			}
		case 10, 11, 12, 13:
			v, err := r.varint(num, typ)
			if err != nil {
				return nil, err
			}
			switch num {
			case 10:
				m.StartTs = int64(v)
			case 11:
				m.EndTs = int64(v)
			case 12:
				m.AckTs = int64(v)
			case 13:
				m.ClearTs = int64(v)
			}
		case 15:
			v, err := r.varint(num, typ)
			if err != nil {
				return nil, err
			}
			m.Propagate = protowire.DecodeBool(v)
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// --- update lists shared by UplinkMsg and DownlinkMsg: 2 alarm, 3 comment, 4 rule, 5 target, 6 template ---

type updateLists struct {
	alarms    *[]*AlarmUpdateMsg
	comments  *[]*EntityUpdateMsg
	rules     *[]*EntityUpdateMsg
	targets   *[]*EntityUpdateMsg
	templates *[]*EntityUpdateMsg
}

func (l updateLists) appendTo(b []byte) []byte {
	for _, m := range *l.alarms {
		b = appendMessage(b, 2, m.marshal())
	}
	b = appendEntityList(b, 3, *l.comments)
	b = appendEntityList(b, 4, *l.rules)
	b = appendEntityList(b, 5, *l.targets)
	return appendEntityList(b, 6, *l.templates)
}

func appendEntityList(b []byte, num protowire.Number, list []*EntityUpdateMsg) []byte {
	for _, m := range list {
		b = appendMessage(b, num, m.appendFields(nil))
	}
	return b
}

func (l updateLists) readField(r *fieldReader, num protowire.Number, typ protowire.Type) (bool, error) {
	if num < 2 || num > 6 {
		return false, nil
	}
	body, err := r.bytes(num, typ)
	if err != nil {
		return true, err
	}
	if num == 2 {
		m, err := unmarshalAlarmUpdateMsg(body)
		if err != nil {
			return true, err
		}
		*l.alarms = append(*l.alarms, m)
		return true, nil
	}

	m, err := unmarshalEntityUpdateMsg(body)
	if err != nil {
		return true, err
	}
	switch num {
	case 3:
		*l.comments = append(*l.comments, m)
	case 4:
		*l.rules = append(*l.rules, m)
	case 5:
		*l.targets = append(*l.targets, m)
	case 6:
		*l.templates = append(*l.templates, m)
	}
	return true, nil
}

func (m *UplinkMsg) lists() updateLists {
	return updateLists{&m.AlarmUpdateMsg, &m.AlarmCommentUpdateMsg, &m.NotificationRuleUpdateMsg,
		&m.NotificationTargetUpdateMsg, &m.NotificationTemplateUpdateMsg}
}

func (m *DownlinkMsg) lists() updateLists {
	return updateLists{&m.AlarmUpdateMsg, &m.AlarmCommentUpdateMsg, &m.NotificationRuleUpdateMsg,
		&m.NotificationTargetUpdateMsg, &m.NotificationTemplateUpdateMsg}
}

// Marshal encodes the message in protobuf wire format.
func (m *UplinkMsg) Marshal() []byte {
	b := appendInt32(nil, 1, m.UplinkMsgID)
	return m.lists().appendTo(b)
}

// UnmarshalUplinkMsg decodes an UplinkMsg.
func UnmarshalUplinkMsg(b []byte) (*UplinkMsg, error) {
	m := &UplinkMsg{}
	if err := unmarshalBatch(b, &m.UplinkMsgID, m.lists()); err != nil {
		return nil, err
	}
	return m, nil
}

// Marshal encodes the message in protobuf wire format.
func (m *DownlinkMsg) Marshal() []byte {
	b := appendInt32(nil, 1, m.DownlinkMsgID)
	return m.lists().appendTo(b)
}

// UnmarshalDownlinkMsg decodes a DownlinkMsg.
func UnmarshalDownlinkMsg(b []byte) (*DownlinkMsg, error) {
	m := &DownlinkMsg{}
	if err := unmarshalBatch(b, &m.DownlinkMsgID, m.lists()); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalBatch(b []byte, id *int32, lists updateLists) error {
	r := &fieldReader{b: b}
	for r.more() {
		num, typ, err := r.tag()
		if err != nil {
			return err
		}
		if num == 1 {
			v, err := r.varint(num, typ)
			if err != nil {
				return err
			}
			*id = int32(v)
			continue
		}
		handled, err := lists.readField(r, num, typ)
		if err != nil {
			return err
		}
		if !handled {
			if err := r.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- responses: 1 id, 2 success, 3 errorMsg ---

func marshalResponse(id int32, success bool, errorMsg string) []byte {
	b := appendInt32(nil, 1, id)
	b = appendBool(b, 2, success)
	return appendString(b, 3, errorMsg)
}

func unmarshalResponse(b []byte) (id int32, success bool, errorMsg string, err error) {
	r := &fieldReader{b: b}
	for r.more() {
		num, typ, err := r.tag()
		if err != nil {
			return 0, false, "", err
		}
		switch num {
		case 1:
			v, err := r.varint(num, typ)
			if err != nil {
				return 0, false, "", err
			}
			id = int32(v)
		case 2:
			v, err := r.varint(num, typ)
			if err != nil {
				return 0, false, "", err
			}
			success = protowire.DecodeBool(v)
		case 3:
			v, err := r.bytes(num, typ)
			if err != nil {
				return 0, false, "", err
			}
			errorMsg = string(v)
		default:
			if err := r.skip(num, typ); err != nil {
				return 0, false, "", err
			}
		}
	}
	return id, success, errorMsg, nil
}

// --- frames ---

// Marshal encodes the frame in protobuf wire format.
func (m *RequestMsg) Marshal() []byte {
	var b []byte
	if m.UplinkMsg != nil {
		b = appendMessage(b, 1, m.UplinkMsg.Marshal())
	}
	if r := m.DownlinkResponseMsg; r != nil {
		b = appendMessage(b, 2, marshalResponse(r.DownlinkMsgID, r.Success, r.ErrorMsg))
	}
	return b
}

// UnmarshalRequestMsg decodes an edge-to-cloud frame. A frame carrying nothing is malformed.
func UnmarshalRequestMsg(b []byte) (*RequestMsg, error) {
	m := &RequestMsg{}
	r := &fieldReader{b: b}
	for r.more() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			body, err := r.bytes(num, typ)
			if err != nil {
				return nil, err
			}
			if m.UplinkMsg, err = UnmarshalUplinkMsg(body); err != nil {
				return nil, err
			}
		case 2:
			body, err := r.bytes(num, typ)
			if err != nil {
				return nil, err
			}
			id, ok, msg, err := unmarshalResponse(body)
			if err != nil {
				return nil, err
			}
			m.DownlinkResponseMsg = &DownlinkResponseMsg{DownlinkMsgID: id, Success: ok, ErrorMsg: msg}
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	if m.UplinkMsg == nil && m.DownlinkResponseMsg == nil {
		return nil, malformed("empty request frame")
	}
	return m, nil
}

// Marshal encodes the frame in protobuf wire format.
func (m *ResponseMsg) Marshal() []byte {
	var b []byte
	if r := m.UplinkResponseMsg; r != nil {
		b = appendMessage(b, 1, marshalResponse(r.UplinkMsgID, r.Success, r.ErrorMsg))
	}
	if m.DownlinkMsg != nil {
		b = appendMessage(b, 2, m.DownlinkMsg.Marshal())
	}
	return b
}

// UnmarshalResponseMsg decodes a cloud-to-edge frame.
func UnmarshalResponseMsg(b []byte) (*ResponseMsg, error) {
	m := &ResponseMsg{}
	r := &fieldReader{b: b}
	for r.more() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			body, err := r.bytes(num, typ)
			if err != nil {
				return nil, err
			}
			id, ok, msg, err := unmarshalResponse(body)
			if err != nil {
				return nil, err
			}
			m.UplinkResponseMsg = &UplinkResponseMsg{UplinkMsgID: id, Success: ok, ErrorMsg: msg}
		case 2:
			body, err := r.bytes(num, typ)
			if err != nil {
				return nil, err
			}
			if m.DownlinkMsg, err = UnmarshalDownlinkMsg(body); err != nil {
				return nil, err
			}
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	if m.UplinkResponseMsg == nil && m.DownlinkMsg == nil {
		return nil, malformed("empty response frame")
	}
	return m, nil
}
