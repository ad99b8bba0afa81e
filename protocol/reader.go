package protocol

import (
	"fmt"
	"log"

	"fightlink/wire"
)

// Purpose: Steady-state message loop for one connection.
// Key aspects: Polls the stop flag between messages; a read error after a
// stop request is a clean exit. Slot remapping happens here so only
// index-addressed samples cross to the owner.
// Upstream: conn.run after a successful handshake.
// Downstream: Client.emit, Tap.OnMessage, stats.
func (cn *conn) readLoop(dec *wire.Decoder) error {
	c := cn.client
	var slots SlotRemapper
	for {
		if cn.stopped() {
			return nil
		}
		msg, err := dec.ReadMessage()
		if err != nil {
			if cn.stopped() {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrUnexpectedDisconnect, err)
		}
		c.opts.Stats.IncrementMessage(msg.Tag.String(), 1+len(msg.Payload))
		if c.opts.Tap != nil {
			c.opts.Tap.OnMessage(msg)
		}
		if err := cn.dispatch(&slots, msg); err != nil {
			return fmt.Errorf("%w: %w", ErrUnexpectedDisconnect, err)
		}
	}
}

func (cn *conn) dispatch(slots *SlotRemapper, msg wire.Message) error {
	c := cn.client
	switch msg.Tag {
	case wire.GameStart, wire.GameResume:
		info, err := wire.DecodeGameInfo(msg.Tag, msg.Payload)
		if err != nil {
			return err
		}
		slots.SetGame(info.Slots)
		c.emit(GameStarted{Info: info, Resumed: msg.Tag == wire.GameResume})
	case wire.GameEnd:
		c.emit(GameEnded{})
	case wire.TrainingStart, wire.TrainingResume:
		info, err := wire.DecodeTrainingInfo(msg.Tag, msg.Payload)
		if err != nil {
			return err
		}
		slots.SetTraining()
		c.emit(TrainingStarted{Info: info, Resumed: msg.Tag == wire.TrainingResume})
	case wire.TrainingEnd:
		c.emit(TrainingEnded{})
	case wire.FighterState:
		fs, err := wire.DecodeFighterState(msg.Payload, msg.TimeStamp)
		if err != nil {
			return err
		}
		idx, ok := slots.Index(fs.Slot)
		if !ok {
			c.opts.Stats.IncrementUnmappedSlot()
			if total, ok := c.unmapped.Inc(); ok {
				log.Printf("Protocol: dropping fighter state for unmapped slot %d (%d total)", fs.Slot, total)
			}
			return nil
		}
		c.emit(FighterStateReceived{Index: idx, State: fs.State})
	default:
		log.Printf("Protocol: ignoring %s outside handshake", msg.Tag)
	}
	return nil
}
