package sqlogger

import (
	"fmt"
	"log"
	"runtime"
)

func stackInfo(depth int) (string, int) {
	pc, _, line, ok := runtime.Caller(depth + 1)
	if !ok {
		panic("look at what goes wrong?")
	}
	fn := runtime.FuncForPC(pc)

	return fn.Name(), line
}

const InfoColor = "%s"
const ErrorColor = "\033[1;31m%s\033[0m"          // red
const SuspectColor = "\033[1;48;5;198m%s\033[0m"  // DeepPink1 background
const ViewColor = "\033[1;48;5;65m%s\033[0m"      // DarkSeaGreen4 background
const WedgeColor = "\033[1;48;5;179m%s\033[0m"    // LightGoldenrod3 background
const SendColor = "\033[1;48;5;246m%s\033[0m"     // Grey58 background
const DeliverColor = "\033[1;41m%s\033[0m"
const StableColor = "\033[1;32m%s\033[0m"         // green
const JoinColor = "\033[1;34m%s\033[0m"           // blue
const PersistColor = "\033[1;48;5;100m%s\033[0m"  // Yellow4
const P2PColor = "\033[4;38;5;204m%s\033[0m"      // pink with underline

type debugOption struct {
	prefix     string
	stackDepth int
	enable     bool
	color      string
}

var dos map[int]debugOption = map[int]debugOption{
	0:  {prefix: "ERROR", stackDepth: 1, enable: false, color: ErrorColor},
	1:  {prefix: "INFO", stackDepth: 1, enable: false, color: InfoColor},
	2:  {prefix: "SUSPECT", stackDepth: 1, enable: false, color: SuspectColor},
	3:  {prefix: "VIEWCHANGE", stackDepth: 1, enable: false, color: ViewColor},
	4:  {prefix: "WEDGE", stackDepth: 1, enable: false, color: WedgeColor},
	5:  {prefix: "MULTICAST", stackDepth: 2, enable: false, color: SendColor},
	6:  {prefix: "STABILITY", stackDepth: 1, enable: false, color: StableColor},
	7:  {prefix: "DELIVERY", stackDepth: 1, enable: false, color: DeliverColor},
	8:  {prefix: "PERSIST", stackDepth: 1, enable: false, color: PersistColor},
	9:  {prefix: "JOIN", stackDepth: 1, enable: false, color: JoinColor},
	10: {prefix: "P2P", stackDepth: 1, enable: false, color: P2PColor},
}

type DebugLogger struct {
	log  log.Logger
	role string
	vid  int32
	id   uint32
}

func (p *DebugLogger) Error(format string, args ...interface{}) {
	p.debugPrintWrapper(dos[0], format, args...)
}

func (p *DebugLogger) Info(format string, args ...interface{}) {
	p.debugPrintWrapper(dos[1], format, args...)
}

func (p *DebugLogger) InfoSuspect(format string, args ...interface{}) {
	p.debugPrintWrapper(dos[2], format, args...)
}

func (p *DebugLogger) InfoViewChange(format string, args ...interface{}) {
	p.debugPrintWrapper(dos[3], format, args...)
}

func (p *DebugLogger) InfoWedge(format string, args ...interface{}) {
	p.debugPrintWrapper(dos[4], format, args...)
}

func (p *DebugLogger) DebugMulticast(format string, args ...interface{}) {
	p.debugPrintWrapper(dos[5], format, args...)
}

func (p *DebugLogger) DebugStability(format string, args ...interface{}) {
	p.debugPrintWrapper(dos[6], format, args...)
}

func (p *DebugLogger) InfoDelivery(format string, args ...interface{}) {
	p.debugPrintWrapper(dos[7], format, args...)
}

func (p *DebugLogger) DebugPersist(format string, args ...interface{}) {
	p.debugPrintWrapper(dos[8], format, args...)
}

func (p *DebugLogger) InfoJoin(format string, args ...interface{}) {
	p.debugPrintWrapper(dos[9], format, args...)
}

func (p *DebugLogger) DebugP2P(format string, args ...interface{}) {
	p.debugPrintWrapper(dos[10], format, args...)
}

func (p *DebugLogger) debugPrintWrapper(debug debugOption, format string, args ...interface{}) {
	if !debug.enable {
		return
	}
	lines := []int{}
	for i := 1; i <= debug.stackDepth; i++ {
		_, line := stackInfo(i + 1)
		lines = append(lines, line)
	}
	common := p.commonPrint()
	str := fmt.Sprintf("[%s(%v)| %s] %s", debug.prefix, lines, common, format)
	str = fmt.Sprintf(debug.color, str)
	p.log.Printf(str, args...)
}

func (p *DebugLogger) commonPrint() string {

	str := fmt.Sprintf("node %d vid %d %s", p.id, p.vid, p.role)
	return str
}

func NewDebugLogger() *DebugLogger {
	p := &DebugLogger{}
	p.log = *log.Default()
	p.log.SetFlags(log.Ltime | log.Lmicroseconds)

	return p
}

func (p *DebugLogger) SetContext(role string, vid int32, id uint32) {
	p.id = id
	p.role = role
	p.vid = vid
}
