package sma

// Command identifies one outbound SMA command.
//
// The command set is closed; encoding a Command never fails.
type Command uint8

const (
	// CmdReadWeight requests the current weight reading.
	CmdReadWeight Command = iota
	// CmdZero tares and zeroes the scale.
	CmdZero
	// CmdReadModel requests the device model number.
	CmdReadModel
	// CmdReadSerial requests the device serial number.
	CmdReadSerial
	// CmdReadSoftware requests the device software version.
	CmdReadSoftware
)

// ResponseKind describes the shape of the reply a command elicits.
type ResponseKind uint8

const (
	// KindWeight indicates a fixed-template weight frame reply.
	KindWeight ResponseKind = iota
	// KindAck indicates a reply line that only acknowledges the command.
	KindAck
	// KindInfo indicates a free-text identity reply.
	KindInfo
)

const esc = "\x1b"

// Token returns the ASCII command token without the line terminator.
func (c Command) Token() string {
	switch c {
	case CmdReadWeight:
		return esc + "P"
	case CmdZero:
		return esc + "T"
	case CmdReadModel:
		return esc + "x1_"
	case CmdReadSerial:
		return esc + "x2_"
	case CmdReadSoftware:
		return esc + "x3_"
	default:
		return ""
	}
}

// ResponseKind returns the reply shape the scale answers this command with.
func (c Command) ResponseKind() ResponseKind {
	switch c {
	case CmdReadWeight:
		return KindWeight
	case CmdZero:
		return KindAck
	default:
		return KindInfo
	}
}

// String returns a human readable command name for logging.
func (c Command) String() string {
	switch c {
	case CmdReadWeight:
		return "read-weight"
	case CmdZero:
		return "zero"
	case CmdReadModel:
		return "read-model"
	case CmdReadSerial:
		return "read-serial"
	case CmdReadSoftware:
		return "read-software"
	default:
		return "unknown"
	}
}

// Encode produces the wire bytes for a command, terminated by CR LF.
func Encode(c Command) []byte {
	token := c.Token()
	buf := make([]byte, 0, len(token)+len(FrameTerminator))
	buf = append(buf, token...)
	buf = append(buf, FrameTerminator...)

	return buf
}
