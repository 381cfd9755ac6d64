package subsystems

import (
	"encoding/json"
	"time"

	"cubesat-fsw/internal/command"
	"cubesat-fsw/internal/hal"
	"cubesat-fsw/internal/task"
)

// Comms moves uplink packets into the command queue and downlinks acks.
type Comms struct {
	task.Base
	radio      hal.Radio
	uplink     Uplink
	acks       AckSource
	maxPackets int
}

func (c *Comms) Execute(now time.Time, tc *task.Context) task.Result {
	var rx, dropped, tx, held int
	for i := 0; i < c.maxPackets; i++ {
		pkt := c.radio.Receive()
		if pkt.Status == hal.Pending {
			break
		}
		if pkt.Status == hal.Error {
			return task.Fail(deviceErr("radio", pkt.Err))
		}
		rx++
		req := command.Decode(pkt.Value)
		req.ReceivedAt = now
		if _, err := c.uplink.Push(req); err != nil {
			dropped++
			tc.Logger.Warn("uplink dropped", "opcode", req.Opcode, "error", err)
		}
	}
	if c.acks != nil {
		acks := c.acks.Take(command.SourceGround)
		for i, ack := range acks {
			data, err := json.Marshal(ack)
			if err != nil {
				continue
			}
			res := c.radio.Transmit(data)
			if res.Status != hal.Ready {
				// radio busy or failing: keep the rest for the next run
				held = len(acks) - i
				c.acks.Requeue(acks[i:])
				if res.Status == hal.Error {
					tc.Logger.Warn("ack downlink failed", "held", held, "error", res.Err)
				}
				break
			}
			tx++
		}
	}
	if rx == 0 && tx == 0 && held == 0 {
		return task.Ready()
	}
	if err := tc.Record("comms", map[string]any{"rx": rx, "tx": tx, "dropped": dropped, "held": held}); err != nil {
		tc.Logger.Warn("record comms", "error", err)
	}
	return task.Ready()
}
