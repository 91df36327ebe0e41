package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"tunnelcore/internal/core"
)

// FWD_UDP frame layout, kept bit-for-bit as deployed peers expect it:
//
//	[lenHi, lenLo, hdrLen, addrBytes..., payload...]
//
// lenHi/lenLo is the big-endian payload length, hdrLen counts itself plus the
// two length bytes plus addrBytes (so addrBytes is hdrLen-3 long), and
// addrBytes is a SOCKS5-style [atyp, addr, portHi, portLo] destination tag.
// Responses echo the query's address tag unchanged.
const (
	fwdFrameHeaderMin = 3
	fwdResolveTimeout = 20 * time.Second
	dnsPort           = 53
)

// fwdFrame is one decoded datagram frame.
type fwdFrame struct {
	AddrBytes []byte
	Payload   []byte
}

// Port extracts the destination port from the address tag.
func (f *fwdFrame) Port() (uint16, bool) {
	n := len(f.AddrBytes)
	if n < 2 {
		return 0, false
	}
	return uint16(f.AddrBytes[n-2])<<8 | uint16(f.AddrBytes[n-1]), true
}

// readFwdFrame decodes one frame from the stream. io.EOF means the client
// closed the session cleanly between frames.
func readFwdFrame(conn net.Conn) (*fwdFrame, error) {
	prefix := make([]byte, fwdFrameHeaderMin)
	if _, err := io.ReadFull(conn, prefix); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &protocolError{Msg: fmt.Sprintf("read frame prefix: %v", err)}
	}

	payloadLen := int(prefix[0])<<8 | int(prefix[1])
	hdrLen := int(prefix[2])
	if hdrLen < fwdFrameHeaderMin {
		return nil, &protocolError{Msg: fmt.Sprintf("bad frame header length %d", hdrLen)}
	}

	addrBytes := make([]byte, hdrLen-fwdFrameHeaderMin)
	if _, err := io.ReadFull(conn, addrBytes); err != nil {
		return nil, &protocolError{Msg: fmt.Sprintf("read frame address: %v", err)}
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, &protocolError{Msg: fmt.Sprintf("read frame payload: %v", err)}
	}

	return &fwdFrame{AddrBytes: addrBytes, Payload: payload}, nil
}

// writeFwdFrame encodes one frame onto the stream.
func writeFwdFrame(conn net.Conn, addrBytes, payload []byte) error {
	if len(payload) > 0xFFFF {
		return fmt.Errorf("payload too large: %d", len(payload))
	}
	hdrLen := fwdFrameHeaderMin + len(addrBytes)
	if hdrLen > 0xFF {
		return fmt.Errorf("address tag too large: %d", len(addrBytes))
	}

	frame := make([]byte, 0, hdrLen+len(payload))
	frame = append(frame, byte(len(payload)>>8), byte(len(payload)), byte(hdrLen))
	frame = append(frame, addrBytes...)
	frame = append(frame, payload...)
	_, err := conn.Write(frame)
	return err
}

// handleFwdUDP runs a datagram session over the TCP stream. Port-53 frames
// go to the resolver; everything else is dropped silently — the traffic
// splitter falls back to CONNECT for non-DNS UDP because most raw transports
// here cannot carry it.
func (b *Bridge) handleFwdUDP(conn net.Conn, req *request) {
	if err := sendReply(conn, repSuccess); err != nil {
		return
	}
	core.Log.Debugf("Bridge", "FWD_UDP session opened from %s (requested %s)", conn.RemoteAddr(), req.DestAddr())

	for {
		frame, err := readFwdFrame(conn)
		if err != nil {
			if err != io.EOF {
				core.Log.Debugf("Bridge", "FWD_UDP session %s ended: %v", conn.RemoteAddr(), err)
			}
			return
		}

		port, ok := frame.Port()
		if !ok || port != dnsPort {
			core.Log.Debugf("Bridge", "FWD_UDP dropping datagram to port %d", port)
			continue
		}
		if b.resolver == nil {
			core.Log.Warnf("Bridge", "FWD_UDP DNS query with no resolver attached")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), fwdResolveTimeout)
		resp, err := b.resolver.Resolve(ctx, frame.Payload)
		cancel()
		if err != nil {
			core.Log.Warnf("Bridge", "FWD_UDP resolve failed: %v", err)
			continue
		}
		if b.counters != nil {
			b.counters(int64(len(frame.Payload)), int64(len(resp)))
		}

		if err := writeFwdFrame(conn, frame.AddrBytes, resp); err != nil {
			core.Log.Debugf("Bridge", "FWD_UDP write response failed: %v", err)
			return
		}
	}
}
