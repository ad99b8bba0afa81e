package wire

import (
	"io"
	"time"
)

// Message is one framed message: the tag, the receive time captured when the
// tag byte arrived, and the raw payload that followed it.
type Message struct {
	Tag       MessageType
	TimeStamp time.Time
	Payload   []byte
}

// Decoder frames messages off a byte stream. It performs blocking reads and
// has no deadline handling of its own; the owner of the stream decides how a
// stalled peer is detected.
type Decoder struct {
	r   io.Reader
	now func() time.Time
	tag [1]byte
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, now: time.Now}
}

// SetClock replaces the receive timestamp source (tests).
func (d *Decoder) SetClock(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

// ReadTag blocks for the next tag byte. The returned time is taken right after
// the byte arrives so payload read time does not skew it.
func (d *Decoder) ReadTag() (MessageType, time.Time, error) {
	n, err := io.ReadFull(d.r, d.tag[:])
	if err != nil {
		return 0, time.Time{}, &DecodeError{Field: "tag", Want: 1, Got: n, Err: err}
	}
	return MessageType(d.tag[0]), d.now(), nil
}

// ReadMessage reads one complete message. Unknown tags fail with ErrUnknownTag
// since the payload length cannot be known.
func (d *Decoder) ReadMessage() (Message, error) {
	tag, ts, err := d.ReadTag()
	if err != nil {
		return Message{}, err
	}
	payload, err := d.ReadPayload(tag)
	if err != nil {
		return Message{Tag: tag, TimeStamp: ts}, err
	}
	return Message{Tag: tag, TimeStamp: ts, Payload: payload}, nil
}

// ReadPayload reads the payload belonging to tag, which the caller has
// already consumed.
func (d *Decoder) ReadPayload(tag MessageType) ([]byte, error) {
	var p []byte
	var err error
	switch tag {
	case ProtocolVersion:
		p, err = d.fixed(p, tag, "version", 2)
	case MappingInfoChecksum, MappingInfoRequest:
		p, err = d.fixed(p, tag, "checksum", 4)
	case MappingInfoFighterKinds:
		if p, err = d.fixed(p, tag, "fighter id", 1); err == nil {
			p, err = d.name(p, tag)
		}
	case MappingInfoFighterStatusKinds:
		if p, err = d.fixed(p, tag, "fighter/status id", 3); err == nil {
			p, err = d.name(p, tag)
		}
	case MappingInfoStageKinds:
		if p, err = d.fixed(p, tag, "stage id", 2); err == nil {
			p, err = d.name(p, tag)
		}
	case MappingInfoHitStatusKinds:
		if p, err = d.fixed(p, tag, "hit status id", 1); err == nil {
			p, err = d.name(p, tag)
		}
	case MappingInfoRequestComplete, GameEnd, TrainingEnd, TrainingReset:
		return nil, nil
	case GameStart, GameResume:
		if p, err = d.fixed(p, tag, "stage/count", 3); err != nil {
			break
		}
		count := int(p[2])
		if p, err = d.fixed(p, tag, "slots", count); err != nil {
			break
		}
		if p, err = d.fixed(p, tag, "fighter ids", count); err != nil {
			break
		}
		for i := 0; i < count && err == nil; i++ {
			p, err = d.name(p, tag)
		}
	case TrainingStart, TrainingResume:
		p, err = d.fixed(p, tag, "stage/fighters", 4)
	case FighterState:
		p, err = d.fixed(p, tag, "state", FighterStateSize)
	default:
		return nil, &DecodeError{Tag: tag, Field: "tag", Err: ErrUnknownTag}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (d *Decoder) fixed(p []byte, tag MessageType, field string, n int) ([]byte, error) {
	if n == 0 {
		return p, nil
	}
	start := len(p)
	p = append(p, make([]byte, n)...)
	got, err := io.ReadFull(d.r, p[start:])
	if err != nil {
		return p, &DecodeError{Tag: tag, Field: field, Want: n, Got: got, Err: err}
	}
	return p, nil
}

// name reads a 1-byte length followed by that many bytes.
func (d *Decoder) name(p []byte, tag MessageType) ([]byte, error) {
	p, err := d.fixed(p, tag, "name length", 1)
	if err != nil {
		return p, err
	}
	return d.fixed(p, tag, "name", int(p[len(p)-1]))
}
