package timing

import (
	"time"

	"github.com/audi/fep-participant-sub001/internal/task"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// Observer is told about the timing events of a participant. The metrics
// collector and the trace recorder implement it.
type Observer interface {
	task.Observer
	TickSent(tick types.TriggerTick)
	TickReceived(tick types.TriggerTick)
	AckReceived(ack types.TriggerAck)
	ScheduleConfigured(slots int, cycleTime int64)
}

// Observers fans every event out to a list of observers.
type Observers []Observer

func (o Observers) StepExecuted(step string, simTime int64, runtime time.Duration) {
	for _, ob := range o {
		ob.StepExecuted(step, simTime, runtime)
	}
}

func (o Observers) StepViolation(step, kind string) {
	for _, ob := range o {
		ob.StepViolation(step, kind)
	}
}

func (o Observers) TickSent(tick types.TriggerTick) {
	for _, ob := range o {
		ob.TickSent(tick)
	}
}

func (o Observers) TickReceived(tick types.TriggerTick) {
	for _, ob := range o {
		ob.TickReceived(tick)
	}
}

func (o Observers) AckReceived(ack types.TriggerAck) {
	for _, ob := range o {
		ob.AckReceived(ack)
	}
}

func (o Observers) ScheduleConfigured(slots int, cycleTime int64) {
	for _, ob := range o {
		ob.ScheduleConfigured(slots, cycleTime)
	}
}
