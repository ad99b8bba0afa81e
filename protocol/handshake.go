package protocol

import (
	"context"
	"fmt"
	"io"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fightlink/mapping"
	"fightlink/telemetry"
	"fightlink/wire"
)

const tracerName = "fightlink/protocol"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// negotiator runs the strictly sequential startup exchange over a freshly
// opened connection. It never retries; any failure ends the connection.
type negotiator struct {
	dec     *wire.Decoder
	w       io.Writer
	stopped func() bool
	tap     func(wire.Message)
}

func (n *negotiator) write(stage string, tags ...wire.MessageType) error {
	if _, err := n.w.Write(wire.AppendTag(nil, tags...)); err != nil {
		return &MalformedHandshakeError{Stage: stage, Err: err}
	}
	return nil
}

func (n *negotiator) read(stage string) (wire.Message, error) {
	if n.stopped() {
		return wire.Message{}, ErrShutdown
	}
	msg, err := n.dec.ReadMessage()
	if err != nil {
		if n.stopped() {
			return wire.Message{}, ErrShutdown
		}
		return wire.Message{}, &MalformedHandshakeError{Stage: stage, Err: err}
	}
	if n.tap != nil {
		n.tap(msg)
	}
	return msg, nil
}

// Purpose: Request and validate the console's protocol version.
// Key aspects: Skips any message that is not the version reply; a mismatch
// returns before anything else is written so the caller can close cleanly.
// Upstream: conn.run.
// Downstream: wire.Decoder.ReadMessage, wire.DecodeVersion.
func (n *negotiator) negotiateVersion(ctx context.Context) (err error) {
	_, span := tracer().Start(ctx, "protocol.handshake")
	defer func() { endSpan(span, err) }()

	log.Println("Protocol: requesting protocol version")
	if err := n.write("version", wire.ProtocolVersion); err != nil {
		return err
	}
	for {
		msg, err := n.read("version")
		if err != nil {
			return err
		}
		if msg.Tag != wire.ProtocolVersion {
			log.Printf("Protocol: skipping %s while waiting for version", msg.Tag)
			continue
		}
		major, minor, err := wire.DecodeVersion(msg.Payload)
		if err != nil {
			return &MalformedHandshakeError{Stage: "version", Err: err}
		}
		span.SetAttributes(attribute.Int("protocol.major", int(major)), attribute.Int("protocol.minor", int(minor)))
		if major != wire.VersionMajor || minor != wire.VersionMinor {
			log.Printf("Protocol: console speaks %d.%d, we support %d.%d; aborting", major, minor, wire.VersionMajor, wire.VersionMinor)
			return &VersionMismatchError{Major: major, Minor: minor}
		}
		log.Printf("Protocol: console speaks %d.%d, accepting", major, minor)
		return nil
	}
}

// Purpose: Bring the mapping table in sync with the console.
// Key aspects: Reuses cached when the checksum matches; otherwise builds a
// brand-new table from the streamed records. cached is never mutated.
// Upstream: conn.run.
// Downstream: mapping.New and Table.Add*.
func (n *negotiator) negotiateMapping(ctx context.Context, cached *mapping.Table) (table *mapping.Table, updated bool, err error) {
	_, span := tracer().Start(ctx, "protocol.mapping")
	defer func() {
		span.SetAttributes(attribute.Bool("mapping.updated", updated))
		endSpan(span, err)
	}()

	if err := n.write("mapping", wire.MappingInfoChecksum); err != nil {
		return nil, false, err
	}
	var fresh *mapping.Table
	for {
		msg, err := n.read("mapping")
		if err != nil {
			return nil, false, err
		}
		if msg.Tag.IsMappingInfo() && msg.Tag != wire.MappingInfoChecksum && msg.Tag != wire.MappingInfoRequest && fresh == nil {
			return nil, false, &MalformedHandshakeError{Stage: "mapping", Err: fmt.Errorf("%s received before a mapping request", msg.Tag)}
		}
		switch msg.Tag {
		case wire.MappingInfoChecksum:
			sum, err := wire.DecodeChecksum(msg.Tag, msg.Payload)
			if err != nil {
				return nil, false, &MalformedHandshakeError{Stage: "mapping", Err: err}
			}
			if cached != nil && cached.Checksum() == sum {
				log.Printf("Protocol: mapping info checksum %08x up to date", sum)
				return cached, false, nil
			}
			log.Printf("Protocol: mapping info checksum %08x differs from cache %08x, requesting mapping info", sum, cached.Checksum())
			if err := n.write("mapping", wire.MappingInfoRequest); err != nil {
				return nil, false, err
			}
		case wire.MappingInfoRequest:
			sum, err := wire.DecodeChecksum(msg.Tag, msg.Payload)
			if err != nil {
				return nil, false, &MalformedHandshakeError{Stage: "mapping", Err: err}
			}
			log.Printf("Protocol: receiving mapping info %08x", sum)
			fresh = mapping.New(sum)
		case wire.MappingInfoFighterKinds:
			r, err := wire.DecodeFighterKind(msg.Payload)
			if err != nil {
				return nil, false, &MalformedHandshakeError{Stage: "mapping", Err: err}
			}
			fresh.AddFighter(r.ID, r.Name)
		case wire.MappingInfoFighterStatusKinds:
			r, err := wire.DecodeStatusKind(msg.Payload)
			if err != nil {
				return nil, false, &MalformedHandshakeError{Stage: "mapping", Err: err}
			}
			if r.IsBase() {
				fresh.AddBaseStatus(r.Status, r.Name)
			} else {
				fresh.AddSpecificStatus(telemetry.FighterID(r.Fighter), r.Status, r.Name)
			}
		case wire.MappingInfoStageKinds:
			r, err := wire.DecodeStageKind(msg.Payload)
			if err != nil {
				return nil, false, &MalformedHandshakeError{Stage: "mapping", Err: err}
			}
			fresh.AddStage(r.ID, r.Name)
		case wire.MappingInfoHitStatusKinds:
			r, err := wire.DecodeHitStatusKind(msg.Payload)
			if err != nil {
				return nil, false, &MalformedHandshakeError{Stage: "mapping", Err: err}
			}
			fresh.AddHitStatus(r.ID, r.Name)
		case wire.MappingInfoRequestComplete:
			c := fresh.Counts()
			log.Printf("Protocol: mapping info complete: %d fighters, %d base + %d specific statuses, %d stages, %d hit statuses",
				c.Fighters, c.BaseStatus, c.SpecificStatus, c.Stages, c.HitStatus)
			return fresh, true, nil
		default:
			log.Printf("Protocol: skipping %s during mapping negotiation", msg.Tag)
		}
	}
}
