package sqserver

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Node identifies one process: a stable node id plus its address and the
// four service ports (membership, block multicast, SST fabric, external).
type Node struct {
	ID           uint32
	Addr         string
	GMSPort      uint16
	RDMCPort     uint16
	SSTPort      uint16
	ExternalPort uint16
}

func (n Node) GMSAddr() string {
	return net.JoinHostPort(n.Addr, strconv.Itoa(int(n.GMSPort)))
}

func (n Node) RDMCAddr() string {
	return net.JoinHostPort(n.Addr, strconv.Itoa(int(n.RDMCPort)))
}

func (n Node) SSTAddr() string {
	return net.JoinHostPort(n.Addr, strconv.Itoa(int(n.SSTPort)))
}

func (n Node) ExternalAddr() string {
	return net.JoinHostPort(n.Addr, strconv.Itoa(int(n.ExternalPort)))
}

// Mode selects the delivery guarantee of one shard.
type Mode int

const (
	// ModeOrdered guarantees total order across all senders of the shard.
	ModeOrdered Mode = iota
	// ModeUnordered guarantees only reliable delivery.
	ModeUnordered
	// ModeRaw bypasses sequencing entirely.
	ModeRaw
)

var modeNames = [...]string{"ORDERED", "UNORDERED", "RAW"}

func (m Mode) String() string {
	return modeNames[int(m)]
}

// Error kinds surfaced by the core. Transient fabric errors recover through
// a view change; ErrInadequatelyProvisioned leaves the old view in place.
var (
	ErrInadequatelyProvisioned = errors.New("subgroup layout inadequately provisioned")
	ErrSubgroupNotMember       = errors.New("local node is not a member of the subgroup")
	ErrNodeRemoved             = errors.New("target node was removed from the view")
	ErrWedged                  = errors.New("view is wedged for a membership change")
)

// PackIPv4 packs an IPv4 dotted-quad into a uint32 in network byte order,
// the only address form the SST change log can carry.
func PackIPv4(addr string) uint32 {
	ip := net.ParseIP(addr)
	if ip == nil {
		return 0
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func UnpackIPv4(packed uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], packed)
	return net.IP(b[:]).String()
}

// GenCallTag builds the map key of a pending p2p call.
func GenCallTag(node uint32, seq uint64) string {
	return strconv.FormatUint(uint64(node), 10) + "." + strconv.FormatUint(seq, 10)
}

func min64(a, b int64) int64 {
	if a > b {
		return b
	}
	return a
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b int32) int32 {
	if a > b {
		return b
	}
	return a
}

// globalSeq maps (senderRank, index) to the round-robin global sequence
// number: with S senders we expect (0,0), (1,0), ..., (S-1,0), (0,1), ...
func globalSeq(senderRank int, index int64, numSenders int) int64 {
	return int64(senderRank) + int64(numSenders)*index
}

func seqSender(g int64, numSenders int) int {
	return int(g % int64(numSenders))
}

func seqIndex(g int64, numSenders int) int64 {
	return g / int64(numSenders)
}

func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
