package entity

import (
	"encoding/json"
	"fmt"
)

// AlarmStatus is the combined acknowledged and cleared state of an alarm.
type AlarmStatus string

const (
	StatusActiveUnack  AlarmStatus = "ACTIVE_UNACK"
	StatusActiveAck    AlarmStatus = "ACTIVE_ACK"
	StatusClearedUnack AlarmStatus = "CLEARED_UNACK"
	StatusClearedAck   AlarmStatus = "CLEARED_ACK"
)

// StatusOf builds the status from the two flags.
func StatusOf(acknowledged, cleared bool) AlarmStatus {
	switch {
	case cleared && acknowledged:
		return StatusClearedAck
	case cleared:
		return StatusClearedUnack
	case acknowledged:
		return StatusActiveAck
	default:
		return StatusActiveUnack
	}
}

// Flags splits a status into its acknowledged and cleared flags.
func (s AlarmStatus) Flags() (acknowledged, cleared bool, err error) {
	switch s {
	case StatusActiveUnack:
		return false, false, nil
	case StatusActiveAck:
		return true, false, nil
	case StatusClearedUnack:
		return false, true, nil
	case StatusClearedAck:
		return true, true, nil
	default:
		return false, false, fmt.Errorf("invalid alarm status: %q", s)
	}
}

// Alarm is a raised condition on an originator entity.
type Alarm struct {
	TenantEntity
	Originator   EntityID        `json:"originator"`
	Type         string          `json:"type"`
	Severity     string          `json:"severity"`
	Acknowledged bool            `json:"acknowledged"`
	Cleared      bool            `json:"cleared"`
	StartTs      int64           `json:"startTs"`
	EndTs        int64           `json:"endTs"`
	AckTs        int64           `json:"ackTs"`
	ClearTs      int64           `json:"clearTs"`
	Details      json.RawMessage `json:"details,omitempty"`
	Propagate    bool            `json:"propagate"`
}

// Status returns the combined status.
func (a *Alarm) Status() AlarmStatus {
	return StatusOf(a.Acknowledged, a.Cleared)
}

// Ack acknowledges the alarm at ts. It returns false when it was already acknowledged.
func (a *Alarm) Ack(ts int64) bool {
	if a.Acknowledged {
		return false
	}
	a.Acknowledged = true
	a.AckTs = ts
	return true
}

// Clear clears the alarm at ts. It returns false when it was already cleared.
func (a *Alarm) Clear(ts int64) bool {
	if a.Cleared {
		return false
	}
	a.Cleared = true
	a.ClearTs = ts
	if a.EndTs < ts {
		a.EndTs = ts
	}
	return true
}
