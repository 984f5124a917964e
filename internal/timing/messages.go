package timing

import (
	"encoding/json"
	"fmt"

	"github.com/audi/fep-participant-sub001/internal/transport"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// Raw signals of the locked-step protocol.
const (
	AckSignal      = "_Ack"
	AckSignalType  = "tAck"
	TickSignal     = "_Trigger"
	TickSignalType = "tTrigger"
)

func ackSignal(dir transport.Direction) transport.Signal {
	return transport.Signal{
		Name:      AckSignal,
		Type:      AckSignalType,
		Size:      types.TriggerAckSize,
		Direction: dir,
		Raw:       true,
		Reliable:  true,
	}
}

func tickSignal(dir transport.Direction) transport.Signal {
	return transport.Signal{
		Name:      TickSignal,
		Type:      TickSignalType,
		Size:      types.TriggerTickSize,
		Direction: dir,
		Raw:       true,
		Reliable:  true,
	}
}

func getScheduleMessage(sender string) (transport.Message, error) {
	body, err := json.Marshal(types.GetScheduleCommand{Sender: sender, Receiver: transport.Broadcast})
	if err != nil {
		return transport.Message{}, err
	}
	return transport.Message{Kind: transport.KindGetSchedule, Receiver: transport.Broadcast, Body: body}, nil
}

func scheduleMessage(n types.ScheduleNotification) (transport.Message, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return transport.Message{}, err
	}
	return transport.Message{Kind: transport.KindSchedule, Receiver: n.Receiver, Body: body}, nil
}

// decodeGetSchedule returns the command carried by msg. The transport
// sender wins over the sender written in the body.
func decodeGetSchedule(msg transport.Message) (types.GetScheduleCommand, error) {
	var cmd types.GetScheduleCommand
	if err := json.Unmarshal(msg.Body, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: get schedule command: %v", types.ErrInvalidArgument, err)
	}
	if msg.Sender != "" {
		cmd.Sender = msg.Sender
	}
	return cmd, nil
}

func decodeSchedule(msg transport.Message) (types.ScheduleNotification, error) {
	var n types.ScheduleNotification
	if err := json.Unmarshal(msg.Body, &n); err != nil {
		return n, fmt.Errorf("%w: schedule notification: %v", types.ErrInvalidArgument, err)
	}
	if msg.Sender != "" {
		n.Sender = msg.Sender
	}
	return n, nil
}
