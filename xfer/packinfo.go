package xfer

import "net"

// PackInfo is the negotiated description of a pack, immutable once a DCC
// SEND has been parsed. ResumePos is set at that point to the size of an
// existing .part file, which is the offset offered in the RESUME request;
// a DCC ACCEPT must confirm that same offset before downloading starts, and
// does not itself change ResumePos.
type PackInfo struct {
	Filename   string
	PeerIP     net.IP
	PeerPort   uint16
	FileSize   uint64 // 0 means unknown
	ResumePos  uint64
	PackNumber string
}

// RegistryKey returns the key a transfer is indexed under once its PackInfo
// is known: filename and peer port, joined the way
// client/transfer_registry.go's fileKey joins composite index keys.
func (p PackInfo) RegistryKey() string {
	return p.Filename + "|" + itoa(uint32(p.PeerPort))
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
