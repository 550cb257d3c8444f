package packet

import (
	"fmt"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// OptionCode is a DHCP option tag.
type OptionCode byte

const (
	OptionPad              OptionCode = 0
	OptionSubnetMask       OptionCode = 1
	OptionRouter           OptionCode = 3
	OptionDNS              OptionCode = 6
	OptionHostName         OptionCode = 12
	OptionRequestedIP      OptionCode = 50
	OptionLeaseTime        OptionCode = 51
	OptionMessageType      OptionCode = 53
	OptionServerIdentifier OptionCode = 54
	OptionParameterList    OptionCode = 55
	OptionMessage          OptionCode = 56
	OptionClientIdentifier OptionCode = 61
	OptionEnd              OptionCode = 255
)

// MessageType is the value of option 53.
type MessageType byte

const (
	MessageDiscover MessageType = 1
	MessageOffer    MessageType = 2
	MessageRequest  MessageType = 3
	MessageDecline  MessageType = 4
	MessageAck      MessageType = 5
	MessageNak      MessageType = 6
	MessageRelease  MessageType = 7
	MessageInform   MessageType = 8
)

func (m MessageType) String() string { return dhcpv4.MessageType(m).String() }

// Option returns the value of the first option with the given code. The
// returned slice aliases the packet buffer.
func (p *Packet) Option(code OptionCode) ([]byte, error) {
	i := optionsOffset + cookieLen
	for {
		if i >= len(p.buf) {
			return nil, fmt.Errorf("%w: missing end marker", ErrMalformedOptions)
		}
		c := OptionCode(p.buf[i])
		switch c {
		case OptionEnd:
			return nil, ErrOptionNotFound
		case OptionPad:
			i++
			continue
		}
		if i+1 >= len(p.buf) {
			return nil, fmt.Errorf("%w: option %d truncated before length", ErrMalformedOptions, c)
		}
		start := i + 2
		end := start + int(p.buf[i+1])
		if end > len(p.buf) {
			return nil, fmt.Errorf("%w: option %d length %d runs past buffer", ErrMalformedOptions, c, end-start)
		}
		if c == code {
			return p.buf[start:end], nil
		}
		i = end
	}
}

// MessageType returns the DHCP message type carried in option 53.
func (p *Packet) MessageType() (MessageType, error) {
	v, err := p.Option(OptionMessageType)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, fmt.Errorf("%w: message type option has length %d", ErrMalformedOptions, len(v))
	}
	return MessageType(v[0]), nil
}

// SetOption writes one option at cursor. The end marker is written as a
// single byte and leaves cursor where it was; every other code advances cursor
// by 2+length. A nil contents leaves the value bytes untouched.
func (p *Packet) SetOption(cursor *int, code OptionCode, length int, contents []byte) error {
	if *cursor < 0 || *cursor >= len(p.buf) {
		return fmt.Errorf("%w: cursor %d outside %d byte buffer", ErrOptionOverflow, *cursor, len(p.buf))
	}
	if code == OptionEnd {
		p.buf[*cursor] = byte(code)
		return nil
	}
	if length < 0 || length > 255 {
		return fmt.Errorf("option %d: invalid length %d", code, length)
	}
	if len(contents) > length {
		return fmt.Errorf("option %d: %d content bytes exceed length %d", code, len(contents), length)
	}
	if *cursor+2+length > len(p.buf) {
		return fmt.Errorf("%w: option %d needs %d bytes at %d", ErrOptionOverflow, code, 2+length, *cursor)
	}
	p.buf[*cursor] = byte(code)
	p.buf[*cursor+1] = byte(length)
	copy(p.buf[*cursor+2:], contents)
	*cursor += 2 + length
	return nil
}
