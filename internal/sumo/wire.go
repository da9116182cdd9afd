package sumo

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TraCI command and variable identifiers, as fixed by the simulator's
// remote-control protocol. Values are big-endian on the wire.
const (
	cmdGetVersion     = 0x00
	cmdSimStep        = 0x02
	cmdClose          = 0x7F
	cmdGetTLVariable  = 0xa2
	cmdGetLaneVar     = 0xa3
	cmdGetSimVariable = 0xab
	cmdSetTLVariable  = 0xc2

	responseOffset = 0x10

	varIDList              = 0x00
	varLaneVehicleNumber   = 0x10
	varLaneHaltingNumber   = 0x14
	varTLPhaseIndex        = 0x22
	varTLControlledLanes   = 0x26
	varTLCurrentPhase      = 0x28
	varMinExpectedVehicles = 0x7d

	typeUByte      = 0x07
	typeInteger    = 0x09
	typeDouble     = 0x0B
	typeString     = 0x0C
	typeStringList = 0x0E

	statusOK = 0x00
)

type writer struct {
	buf []byte
}

func (w *writer) ubyte(v byte) {
	w.buf = append(w.buf, v)
}

func (w *writer) int32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *writer) float64(v float64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *writer) string(s string) {
	w.int32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) ubyte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("truncated payload at offset %d", r.off)
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) int32() (int32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("truncated payload at offset %d", r.off)
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.int32()
	if err != nil {
		return "", err
	}
	if n < 0 || r.remaining() < int(n) {
		return "", fmt.Errorf("truncated string of length %d at offset %d", n, r.off)
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *reader) stringList() ([]string, error) {
	n, err := r.int32()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := int32(0); i < n; i++ {
		s, err := r.string()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// packCommand frames a single command: a one-byte length when the command
// fits, otherwise a zero byte followed by a four-byte extended length.
func packCommand(id byte, content []byte) []byte {
	total := 2 + len(content)
	if total <= 0xFF {
		out := make([]byte, 0, total)
		out = append(out, byte(total), id)
		return append(out, content...)
	}
	out := make([]byte, 0, total+4)
	out = append(out, 0x00)
	out = binary.BigEndian.AppendUint32(out, uint32(total+4))
	out = append(out, id)
	return append(out, content...)
}

// packMessage prefixes the whole message with its own length, length
// field included.
func packMessage(commands ...[]byte) []byte {
	size := 4
	for _, c := range commands {
		size += len(c)
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint32(out, uint32(size))
	for _, c := range commands {
		out = append(out, c...)
	}
	return out
}

type command struct {
	id      byte
	content []byte
}

// splitCommands walks a received message body and slices it into its
// commands, honoring the extended length form.
func splitCommands(body []byte) ([]command, error) {
	cmds := make([]command, 0, 2)
	off := 0
	for off < len(body) {
		if len(body)-off < 2 {
			return nil, fmt.Errorf("truncated command header at offset %d", off)
		}
		length := int(body[off])
		headLen := 1
		if length == 0 {
			if len(body)-off < 6 {
				return nil, fmt.Errorf("truncated extended command header at offset %d", off)
			}
			length = int(binary.BigEndian.Uint32(body[off+1:]))
			headLen = 5
		}
		if length < headLen+1 || off+length > len(body) {
			return nil, fmt.Errorf("invalid command length %d at offset %d", length, off)
		}
		cmds = append(cmds, command{
			id:      body[off+headLen],
			content: body[off+headLen+1 : off+length],
		})
		off += length
	}
	return cmds, nil
}
