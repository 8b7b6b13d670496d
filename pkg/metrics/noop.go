package metrics

import "time"

// NoOp discards every measurement.
type NoOp struct{}

var _ Recorder = NoOp{}

func (NoOp) RecordChange(string, time.Duration, error) {}
func (NoOp) RecordUplink(time.Duration, error)         {}
func (NoOp) RecordUplinkUpdate(string)                 {}
func (NoOp) RecordDownlink(error)                      {}
