package dhcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dhcpd/services/dhcpd/internal/packet"
)

// Reply is the result of handling one datagram. Payload is nil when nothing
// is sent back.
type Reply struct {
	Message  packet.MessageType
	Decision Decision
	Payload  []byte
}

// Handler turns DHCP requests into decisions of a Server and encodes the
// replies.
type Handler struct {
	server *Server
	logger zerolog.Logger
	tracer trace.Tracer
}

func NewHandler(server *Server, logger zerolog.Logger) *Handler {
	return &Handler{
		server: server,
		logger: logger.With().Str("component", "dhcp_handler").Logger(),
		tracer: otel.Tracer("dhcpd/dhcp"),
	}
}

// Handle processes one raw BOOTREQUEST. Store failures and exhaustion
// produce no reply so the client retries; a refused REQUEST produces a NAK.
func (h *Handler) Handle(ctx context.Context, buf []byte) (Reply, error) {
	req, err := packet.Parse(buf)
	if err != nil {
		h.server.metrics.MalformedPacket.Inc()
		return Reply{}, err
	}
	if req.Op() != packet.BootRequest {
		return Reply{}, nil
	}
	if !req.HasMagicCookie() {
		h.server.metrics.MalformedPacket.Inc()
		return Reply{}, fmt.Errorf("%w: missing magic cookie", packet.ErrMalformedPacket)
	}
	mt, err := req.MessageType()
	if err != nil {
		h.server.metrics.MalformedPacket.Inc()
		return Reply{}, fmt.Errorf("%w: message type: %w", packet.ErrMalformedPacket, err)
	}
	mac := req.CHAddr()

	ctx, span := h.tracer.Start(ctx, "dhcp."+mt.String(), trace.WithAttributes(
		attribute.String("dhcp.mac", mac.String()),
		attribute.Int64("dhcp.xid", int64(req.XID())),
	))
	defer span.End()

	reply, err := h.dispatch(ctx, req, mt, mac)
	reply.Message = mt
	h.server.metrics.Messages.WithLabelValues(mt.String(), reply.Decision.Outcome.String()).Inc()

	span.SetAttributes(attribute.String("dhcp.outcome", reply.Decision.Outcome.String()))
	if reply.Decision.Addr.IsValid() {
		span.SetAttributes(attribute.String("dhcp.addr", reply.Decision.Addr.String()))
	}
	if err != nil && !errors.Is(err, ErrAddressUnavailable) && !errors.Is(err, ErrPoolExhausted) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	h.logger.Info().Ctx(ctx).
		Stringer("message", mt).
		Stringer("mac", mac).
		Uint32("xid", req.XID()).
		Stringer("outcome", reply.Decision.Outcome).
		Stringer("addr", reply.Decision.Addr).
		Msg("dhcp message handled")
	return reply, err
}

func (h *Handler) dispatch(ctx context.Context, req *packet.Packet, mt packet.MessageType, mac net.HardwareAddr) (Reply, error) {
	network := h.server.Network()

	switch mt {
	case packet.MessageDiscover:
		d, err := h.server.Offer(ctx, mac, optionAddr(req, packet.OptionRequestedIP))
		if err != nil {
			return Reply{Decision: d}, err
		}
		payload, err := buildReply(req, packet.MessageOffer, replyLease, d.Addr, network)
		return Reply{Decision: d, Payload: payload}, err

	case packet.MessageRequest:
		if sid := optionAddr(req, packet.OptionServerIdentifier); sid.IsValid() && sid != network.Server {
			// The client accepted another server's offer.
			h.server.Withdraw(mac)
			return Reply{Decision: Decision{Outcome: Ignored}}, nil
		}
		addr := optionAddr(req, packet.OptionRequestedIP)
		if !addr.IsValid() {
			addr = req.CIAddr()
		}
		d, err := h.server.Acknowledge(ctx, mac, addr)
		switch {
		case errors.Is(err, ErrAddressUnavailable):
			payload, buildErr := buildReply(req, packet.MessageNak, replyNak, netip.Addr{}, network)
			if buildErr != nil {
				return Reply{Decision: d}, buildErr
			}
			return Reply{Decision: d, Payload: payload}, err
		case err != nil:
			return Reply{Decision: d}, err
		}
		payload, err := buildReply(req, packet.MessageAck, replyLease, d.Addr, network)
		return Reply{Decision: d, Payload: payload}, err

	case packet.MessageDecline:
		d, err := h.server.Decline(ctx, mac, optionAddr(req, packet.OptionRequestedIP))
		return Reply{Decision: d}, err

	case packet.MessageRelease:
		addr := req.CIAddr()
		if addr.IsUnspecified() {
			addr = netip.Addr{}
		}
		d, err := h.server.Release(ctx, mac, addr)
		return Reply{Decision: d}, err

	case packet.MessageInform:
		payload, err := buildReply(req, packet.MessageAck, replyInform, netip.Addr{}, network)
		return Reply{Decision: Decision{Outcome: Acknowledged, Addr: req.CIAddr()}, Payload: payload}, err

	default:
		return Reply{Decision: Decision{Outcome: Ignored}}, nil
	}
}

// optionAddr reads a four byte address option. It returns the zero Addr when
// the option is absent or has the wrong length.
func optionAddr(p *packet.Packet, code packet.OptionCode) netip.Addr {
	v, err := p.Option(code)
	if err != nil || len(v) != 4 {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte(v))
}
