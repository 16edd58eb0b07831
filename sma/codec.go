package sma

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FrameTerminator is the line terminator of SMA frames.
const FrameTerminator = "\r\n"

// Weight frame field boundaries, offsets into the 20-byte line before CR LF.
const (
	weightFrameLen = 20
	idFieldEnd     = 6  // bytes [0:6]   ID field, space padded
	massFieldEnd   = 16 // bytes [6:16]  sign plus mass digits, space padded
	unitFieldStart = 17 // bytes [17:20] unit symbol, byte 16 is a separator space
)

// Status frame field boundaries within the ID-extended status template.
const (
	statusFieldStart = 9
	statusFieldEnd   = 14
)

// Frame is one decoded response line.
type Frame interface {
	Kind() ResponseKind
}

// WeightFrame carries a decoded weight reading.
type WeightFrame struct {
	Reading WeightReading
}

// Kind returns KindWeight.
func (f *WeightFrame) Kind() ResponseKind { return KindWeight }

// InfoFrame carries a free-text reply line, trimmed of padding.
type InfoFrame struct {
	Text string
}

// Kind returns KindInfo.
func (f *InfoFrame) Kind() ResponseKind { return KindInfo }

// StatusFrame carries a device status report received in place of a weight
// frame, such as "OFF".
type StatusFrame struct {
	Status string
}

// Kind returns KindWeight since status frames arrive on the weight template.
func (f *StatusFrame) Kind() ResponseKind { return KindWeight }

// DecodeWeight parses a weight frame line (without its CR LF terminator).
//
// It enforces the fixed 20-byte template: length, the separator space at
// byte 16, and a parseable signed mass with its decimal point. Violations
// return an error wrapping ErrMalformedFrame; a partial WeightReading never
// escapes. A "Stat" ID field returns a *StatusError carrying the status
// text. An unknown ID field returns an error wrapping ErrUnrecognizedFrame.
func DecodeWeight(line []byte) (WeightReading, error) {
	if len(line) != weightFrameLen {
		return WeightReading{}, fmt.Errorf("weight frame length %d, want %d: %w", len(line), weightFrameLen, ErrMalformedFrame)
	}

	id := strings.TrimSpace(string(line[:idFieldEnd]))
	if id == "Stat" {
		return WeightReading{}, &StatusError{Status: strings.TrimSpace(string(line[statusFieldStart:statusFieldEnd]))}
	}

	// The standard interface reports net weight with ID "N".
	if id != "N" {
		return WeightReading{}, fmt.Errorf("weight frame ID %q: %w", id, ErrUnrecognizedFrame)
	}

	if line[massFieldEnd] != ' ' {
		return WeightReading{}, fmt.Errorf("missing unit separator: %w", ErrMalformedFrame)
	}

	massText := strings.ReplaceAll(string(line[idFieldEnd:massFieldEnd]), " ", "")
	mass, err := strconv.ParseFloat(massText, 64)
	if err != nil {
		return WeightReading{}, fmt.Errorf("mass field %q: %w", massText, ErrMalformedFrame)
	}

	// The unit field is left empty while the weight is still shifting.
	units := strings.TrimSpace(string(line[unitFieldStart:]))

	return WeightReading{
		Mass:   mass,
		Units:  units,
		Stable: units != "",
	}, nil
}

// DecodeInfo parses an identity reply line (without its CR LF terminator)
// into its trimmed text.
//
// Identity replies have no fixed template, but must be non-empty printable
// ASCII; anything else returns an error wrapping ErrMalformedFrame.
func DecodeInfo(line []byte) (string, error) {
	if len(line) == 0 {
		return "", fmt.Errorf("empty info frame: %w", ErrMalformedFrame)
	}

	if len(line) > maxInfoFrameLen {
		return "", fmt.Errorf("info frame length %d exceeds maximum %d: %w", len(line), maxInfoFrameLen, ErrMalformedFrame)
	}

	for _, b := range line {
		if b < 0x20 || b > 0x7e {
			return "", fmt.Errorf("info frame contains non-printable byte 0x%02x: %w", b, ErrMalformedFrame)
		}
	}

	return strings.TrimSpace(string(line)), nil
}

// maxInfoFrameLen bounds identity replies; the standard sub-fields are far
// shorter, the headroom tolerates vendor extensions.
const maxInfoFrameLen = 64

// Decode classifies a response line (without its CR LF terminator) without
// command context. It is used for unsolicited traffic, where the line may be
// a live-stream weight frame, a status report, or anything else.
//
// Lines matching the weight template length decode as *WeightFrame or
// *StatusFrame; other printable lines decode as *InfoFrame; everything else
// returns an error wrapping ErrUnrecognizedFrame or ErrMalformedFrame.
func Decode(line []byte) (Frame, error) {
	if len(line) == weightFrameLen {
		reading, err := DecodeWeight(line)
		if err == nil {
			return &WeightFrame{Reading: reading}, nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return &StatusFrame{Status: statusErr.Status}, nil
		}

		return nil, err
	}

	text, err := DecodeInfo(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnrecognizedFrame, err)
	}

	return &InfoFrame{Text: text}, nil
}
