package proto

import (
	"fmt"
	"unicode/utf8"
)

// DiscoveryRequest is the controller's challenge: a fresh nonce plus the
// capabilities it supports, in order.
type DiscoveryRequest struct {
	Nonce        Nonce
	Capabilities []string
}

// EncodeDiscoveryRequest lays out nonce(32) | count u32 | per capability
// len u32 + bytes.
func EncodeDiscoveryRequest(nonce Nonce, caps []string) ([]byte, error) {
	if len(caps) > MaxCapabilities {
		return nil, fmt.Errorf("%w: %d capabilities exceeds %d", ErrEncoding, len(caps), MaxCapabilities)
	}
	size := NonceSize + 4
	for i, c := range caps {
		if len(c) > MaxCapabilityLen {
			return nil, fmt.Errorf("%w: capability %d is %d bytes", ErrEncoding, i, len(c))
		}
		if !utf8.ValidString(c) {
			return nil, fmt.Errorf("%w: capability %d is not utf-8", ErrEncoding, i)
		}
		size += 4 + len(c)
	}
	out := make([]byte, 0, size)
	out = append(out, nonce[:]...)
	out = appendStrList(out, caps)
	return out, nil
}

func DecodeDiscoveryRequest(b []byte) (DiscoveryRequest, error) {
	r := newReader(b)
	raw, err := r.take(NonceSize, "nonce")
	if err != nil {
		return DiscoveryRequest{}, err
	}
	var req DiscoveryRequest
	copy(req.Nonce[:], raw)
	caps, err := r.strList(MaxCapabilities, MaxCapabilityLen, "capability")
	if err != nil {
		return DiscoveryRequest{}, err
	}
	req.Capabilities = caps
	if err := r.done("discovery request"); err != nil {
		return DiscoveryRequest{}, err
	}
	return req, nil
}

// SignedReply is a responder's answer to discovery: an opaque payload and a
// signature over it.
type SignedReply struct {
	Payload   []byte
	Signature []byte
}

// EncodeSignedReply lays out payload_len u32 | payload | sig_len u32 | sig.
func EncodeSignedReply(r SignedReply) ([]byte, error) {
	if len(r.Payload)+len(r.Signature)+8 > MaxDatagramSize {
		return nil, fmt.Errorf("%w: signed reply too large", ErrEncoding)
	}
	out := make([]byte, 0, 8+len(r.Payload)+len(r.Signature))
	out = appendBytes(out, r.Payload)
	out = appendBytes(out, r.Signature)
	return out, nil
}

func DecodeSignedReply(b []byte) (SignedReply, error) {
	r := newReader(b)
	payload, err := r.bytes(MaxDatagramSize, "reply payload")
	if err != nil {
		return SignedReply{}, err
	}
	sig, err := r.bytes(MaxDatagramSize, "reply signature")
	if err != nil {
		return SignedReply{}, err
	}
	if err := r.done("signed reply"); err != nil {
		return SignedReply{}, err
	}
	return SignedReply{Payload: payload, Signature: sig}, nil
}

// ReplyPayload is the signed content a responder returns. The client nonce
// always occupies the first NonceSize bytes so a verifier can check it
// without decoding the rest.
type ReplyPayload struct {
	ClientNonce    Nonce
	ServerNonce    Nonce
	DeviceID       string
	ManufacturerID string
	ModelID        string
	HardwareRev    string
	FirmwareRev    string
	MAC            string
	Capabilities   []string
	ChannelFormats []SampleFormat
	MaxChannels    uint32
}

const maxIdentityLen = 255

func EncodeReplyPayload(p ReplyPayload) ([]byte, error) {
	ids := []string{p.DeviceID, p.ManufacturerID, p.ModelID, p.HardwareRev, p.FirmwareRev, p.MAC}
	for _, s := range ids {
		if len(s) > maxIdentityLen || !utf8.ValidString(s) {
			return nil, fmt.Errorf("%w: identity field %q", ErrEncoding, s)
		}
	}
	if len(p.Capabilities) > MaxCapabilities {
		return nil, fmt.Errorf("%w: too many capabilities", ErrEncoding)
	}
	for _, c := range p.Capabilities {
		if len(c) > MaxCapabilityLen || !utf8.ValidString(c) {
			return nil, fmt.Errorf("%w: capability %q", ErrEncoding, c)
		}
	}
	for _, f := range p.ChannelFormats {
		if !f.valid() {
			return nil, fmt.Errorf("%w: %s", ErrEncoding, f)
		}
	}
	out := make([]byte, 0, 2*NonceSize+128)
	out = append(out, p.ClientNonce[:]...)
	out = append(out, p.ServerNonce[:]...)
	for _, s := range ids {
		out = appendBytes(out, []byte(s))
	}
	out = appendStrList(out, p.Capabilities)
	out = appendU32(out, uint32(len(p.ChannelFormats)))
	for _, f := range p.ChannelFormats {
		out = append(out, byte(f))
	}
	out = appendU32(out, p.MaxChannels)
	return out, nil
}

func DecodeReplyPayload(b []byte) (ReplyPayload, error) {
	r := newReader(b)
	var p ReplyPayload
	raw, err := r.take(NonceSize, "client nonce")
	if err != nil {
		return ReplyPayload{}, err
	}
	copy(p.ClientNonce[:], raw)
	if raw, err = r.take(NonceSize, "server nonce"); err != nil {
		return ReplyPayload{}, err
	}
	copy(p.ServerNonce[:], raw)
	fields := []struct {
		dst  *string
		name string
	}{
		{&p.DeviceID, "device id"},
		{&p.ManufacturerID, "manufacturer id"},
		{&p.ModelID, "model id"},
		{&p.HardwareRev, "hardware rev"},
		{&p.FirmwareRev, "firmware rev"},
		{&p.MAC, "mac"},
	}
	for _, f := range fields {
		if *f.dst, err = r.str(maxIdentityLen, f.name); err != nil {
			return ReplyPayload{}, err
		}
	}
	if p.Capabilities, err = r.strList(MaxCapabilities, MaxCapabilityLen, "capability"); err != nil {
		return ReplyPayload{}, err
	}
	n, err := r.u32("channel format count")
	if err != nil {
		return ReplyPayload{}, err
	}
	raw, err = r.take(int(min(n, uint32(MaxDatagramSize+1))), "channel formats")
	if err != nil {
		return ReplyPayload{}, err
	}
	p.ChannelFormats = make([]SampleFormat, 0, len(raw))
	for _, c := range raw {
		f := SampleFormat(c)
		if !f.valid() {
			return ReplyPayload{}, fmt.Errorf("%w: channel format %d", ErrMalformed, c)
		}
		p.ChannelFormats = append(p.ChannelFormats, f)
	}
	if p.MaxChannels, err = r.u32("max channels"); err != nil {
		return ReplyPayload{}, err
	}
	if err := r.done("reply payload"); err != nil {
		return ReplyPayload{}, err
	}
	return p, nil
}
