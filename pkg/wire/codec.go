// Package wire implements the fixed binary encoding for the handshake and
// destination-setup messages exchanged between agent and proxy.
//
// The format is deliberately simple and fully specified here, since it must
// stay stable across independent implementations: every value starts with a
// one-byte tag where a message has variants, followed by fields in
// declaration order. Integers use unsigned LEB128 (the same variable-length
// encoding bincode's varint mode uses) except where a field has a fixed
// natural width (an IPv4/IPv6 address's bytes).
// Strings and byte strings are a uvarint length followed by raw bytes.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/sammck-go/ppaasstunnel/pkg/apperr"
)

// EncryptionKind tags the variant of an Encryption descriptor.
type EncryptionKind uint8

const (
	EncryptionPlain EncryptionKind = iota
	EncryptionAES
	EncryptionBlowfish
)

func (k EncryptionKind) String() string {
	switch k {
	case EncryptionPlain:
		return "plain"
	case EncryptionAES:
		return "aes"
	case EncryptionBlowfish:
		return "blowfish"
	default:
		return "unknown"
	}
}

// Encryption is the tagged symmetric-cipher descriptor that travels over the
// wire both in its raw (freshly generated) and RSA-wrapped forms.
type Encryption struct {
	Kind EncryptionKind
	Key  []byte
}

// AddressKind tags the variant of a UnifiedAddress.
type AddressKind uint8

const (
	AddressSocket AddressKind = iota
	AddressDomain
)

// UnifiedAddress is either a resolved socket address or a domain+port pair.
type UnifiedAddress struct {
	Kind AddressKind
	IP   net.IP // valid when Kind == AddressSocket
	Host string // valid when Kind == AddressDomain
	Port uint16
}

func SocketAddress(ip net.IP, port uint16) UnifiedAddress {
	return UnifiedAddress{Kind: AddressSocket, IP: ip, Port: port}
}

func DomainAddress(host string, port uint16) UnifiedAddress {
	return UnifiedAddress{Kind: AddressDomain, Host: host, Port: port}
}

func (a UnifiedAddress) String() string {
	switch a.Kind {
	case AddressSocket:
		return net.JoinHostPort(a.IP.String(), fmt.Sprint(a.Port))
	case AddressDomain:
		return net.JoinHostPort(a.Host, fmt.Sprint(a.Port))
	default:
		return "invalid-address"
	}
}

// DestinationKind tags the variant of a ClientSetupDestination message.
type DestinationKind uint8

const (
	DestinationTCP DestinationKind = iota
	DestinationUDP
)

// ClientHandshake is the first frame sent by the agent.
type ClientHandshake struct {
	Username   string
	Encryption Encryption
}

// ServerHandshake is the proxy's reply to ClientHandshake.
type ServerHandshake struct {
	Encryption Encryption
}

// ClientSetupDestination asks the proxy to set up a destination.
type ClientSetupDestination struct {
	Kind    DestinationKind
	Address UnifiedAddress
}

// SetupResult tags the variant of a ServerSetupDestination message.
type SetupResult uint8

const (
	SetupSuccess SetupResult = iota
	SetupFail
)

// ServerSetupDestination is the proxy's reply to ClientSetupDestination.
type ServerSetupDestination struct {
	Result SetupResult
}

// --- low-level writer/reader -----------------------------------------------

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(b byte) { w.buf.WriteByte(b) }

func (w *writer) uvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf.Write(tmp[:n])
}

func (w *writer) rawBytes(b []byte) { w.buf.Write(b) }

func (w *writer) lenPrefixedBytes(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf.Write(b)
}

func (w *writer) string(s string) { w.lenPrefixedBytes([]byte(s)) }

type reader struct {
	r *bytes.Reader
}

func newReader(b []byte) *reader { return &reader{r: bytes.NewReader(b)} }

func (r *reader) u8() (byte, error) { return r.r.ReadByte() }

func (r *reader) uvarint() (uint64, error) {
	v, err := binary.ReadUvarint(r.r)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindProtocolDecode, err, "reading varint")
	}
	return v, nil
}

func (r *reader) rawBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, apperr.Wrap(apperr.KindProtocolDecode, err, "reading fixed bytes")
	}
	return b, nil
}

func (r *reader) lenPrefixedBytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	return r.rawBytes(int(n))
}

func (r *reader) string() (string, error) {
	b, err := r.lenPrefixedBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) atEnd() bool { return r.r.Len() == 0 }

// --- Encryption encode/decode -----------------------------------------------

func (e Encryption) encode(w *writer) {
	w.u8(byte(e.Kind))
	if e.Kind != EncryptionPlain {
		w.lenPrefixedBytes(e.Key)
	}
}

func decodeEncryption(r *reader) (Encryption, error) {
	kindByte, err := r.u8()
	if err != nil {
		return Encryption{}, apperr.Wrap(apperr.KindProtocolDecode, err, "reading encryption tag")
	}
	kind := EncryptionKind(kindByte)
	if kind == EncryptionPlain {
		return Encryption{Kind: kind}, nil
	}
	key, err := r.lenPrefixedBytes()
	if err != nil {
		return Encryption{}, err
	}
	return Encryption{Kind: kind, Key: key}, nil
}

// --- UnifiedAddress encode/decode -------------------------------------------

func (a UnifiedAddress) encode(w *writer) error {
	w.u8(byte(a.Kind))
	switch a.Kind {
	case AddressSocket:
		ip4 := a.IP.To4()
		if ip4 != nil {
			w.u8(4)
			w.rawBytes(ip4)
		} else {
			ip16 := a.IP.To16()
			if ip16 == nil {
				return apperr.Newf(apperr.KindProtocolEncode, "invalid IP address %v", a.IP)
			}
			w.u8(6)
			w.rawBytes(ip16)
		}
		w.uvarint(uint64(a.Port))
	case AddressDomain:
		w.string(a.Host)
		w.uvarint(uint64(a.Port))
	default:
		return apperr.Newf(apperr.KindProtocolEncode, "invalid UnifiedAddress kind %d", a.Kind)
	}
	return nil
}

func decodeUnifiedAddress(r *reader) (UnifiedAddress, error) {
	kindByte, err := r.u8()
	if err != nil {
		return UnifiedAddress{}, apperr.Wrap(apperr.KindProtocolDecode, err, "reading address tag")
	}
	kind := AddressKind(kindByte)
	switch kind {
	case AddressSocket:
		ipVer, err := r.u8()
		if err != nil {
			return UnifiedAddress{}, apperr.Wrap(apperr.KindProtocolDecode, err, "reading ip version")
		}
		var ipLen int
		switch ipVer {
		case 4:
			ipLen = 4
		case 6:
			ipLen = 16
		default:
			return UnifiedAddress{}, apperr.Newf(apperr.KindProtocolDecode, "invalid ip version byte %d", ipVer)
		}
		ipBytes, err := r.rawBytes(ipLen)
		if err != nil {
			return UnifiedAddress{}, err
		}
		port, err := r.uvarint()
		if err != nil {
			return UnifiedAddress{}, err
		}
		return UnifiedAddress{Kind: AddressSocket, IP: net.IP(ipBytes), Port: uint16(port)}, nil
	case AddressDomain:
		host, err := r.string()
		if err != nil {
			return UnifiedAddress{}, err
		}
		port, err := r.uvarint()
		if err != nil {
			return UnifiedAddress{}, err
		}
		return UnifiedAddress{Kind: AddressDomain, Host: host, Port: uint16(port)}, nil
	default:
		return UnifiedAddress{}, apperr.Newf(apperr.KindProtocolDecode, "invalid UnifiedAddress kind %d", kind)
	}
}

// --- message encode/decode --------------------------------------------------

func EncodeClientHandshake(m ClientHandshake) ([]byte, error) {
	var w writer
	w.string(m.Username)
	m.Encryption.encode(&w)
	return w.buf.Bytes(), nil
}

func DecodeClientHandshake(data []byte) (ClientHandshake, error) {
	r := newReader(data)
	username, err := r.string()
	if err != nil {
		return ClientHandshake{}, err
	}
	enc, err := decodeEncryption(r)
	if err != nil {
		return ClientHandshake{}, err
	}
	return ClientHandshake{Username: username, Encryption: enc}, nil
}

func EncodeServerHandshake(m ServerHandshake) ([]byte, error) {
	var w writer
	m.Encryption.encode(&w)
	return w.buf.Bytes(), nil
}

func DecodeServerHandshake(data []byte) (ServerHandshake, error) {
	r := newReader(data)
	enc, err := decodeEncryption(r)
	if err != nil {
		return ServerHandshake{}, err
	}
	return ServerHandshake{Encryption: enc}, nil
}

func EncodeClientSetupDestination(m ClientSetupDestination) ([]byte, error) {
	var w writer
	w.u8(byte(m.Kind))
	if err := m.Address.encode(&w); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

func DecodeClientSetupDestination(data []byte) (ClientSetupDestination, error) {
	r := newReader(data)
	kindByte, err := r.u8()
	if err != nil {
		return ClientSetupDestination{}, apperr.Wrap(apperr.KindProtocolDecode, err, "reading destination kind")
	}
	addr, err := decodeUnifiedAddress(r)
	if err != nil {
		return ClientSetupDestination{}, err
	}
	return ClientSetupDestination{Kind: DestinationKind(kindByte), Address: addr}, nil
}

func EncodeServerSetupDestination(m ServerSetupDestination) ([]byte, error) {
	var w writer
	w.u8(byte(m.Result))
	return w.buf.Bytes(), nil
}

func DecodeServerSetupDestination(data []byte) (ServerSetupDestination, error) {
	r := newReader(data)
	resultByte, err := r.u8()
	if err != nil {
		return ServerSetupDestination{}, apperr.Wrap(apperr.KindProtocolDecode, err, "reading setup result")
	}
	return ServerSetupDestination{Result: SetupResult(resultByte)}, nil
}
