package serialmux

import "strings"

// Reply classifies one line sent back by the stimulator.
type Reply int

const (
	ReplyUnknown Reply = iota
	ReplyOK
	ReplyError
	ReplyInfo
)

func (r Reply) String() string {
	switch r {
	case ReplyOK:
		return "ok"
	case ReplyError:
		return "error"
	case ReplyInfo:
		return "info"
	default:
		return "unknown"
	}
}

// ClassifyReply inspects a device line. Devices acknowledge with "OK",
// report faults with "ERR <reason>" and announce themselves with "#"-prefixed
// banner lines.
func ClassifyReply(line string) Reply {
	line = strings.TrimSpace(line)
	upper := strings.ToUpper(line)
	switch {
	case upper == "OK" || strings.HasPrefix(upper, "OK "):
		return ReplyOK
	case upper == "ERR" || strings.HasPrefix(upper, "ERR "), strings.HasPrefix(upper, "ERROR"):
		return ReplyError
	case strings.HasPrefix(line, "#"):
		return ReplyInfo
	default:
		return ReplyUnknown
	}
}

// ReplyDetail returns the text following the reply keyword.
func ReplyDetail(line string) string {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}
