package sumo

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Conn speaks the TraCI protocol over a single TCP connection. It is not
// safe for concurrent use; the environment serializes all calls.
type Conn struct {
	conn   net.Conn
	closed bool
}

func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial simulator at %s: %w", addr, err)
	}
	c := &Conn{conn: conn}
	if _, err := c.roundTrip(ctx, cmdGetVersion, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("simulator handshake: %w", err)
	}
	return c, nil
}

func (c *Conn) SimulationStep(ctx context.Context) error {
	var w writer
	w.float64(0)
	// The remainder after the status command is the subscription result
	// block; nothing is subscribed, so it is ignored.
	_, err := c.roundTrip(ctx, cmdSimStep, w.buf)
	if err != nil {
		return fmt.Errorf("simulation step: %w", err)
	}
	return nil
}

func (c *Conn) TrafficLightIDs(ctx context.Context) ([]string, error) {
	return c.getStringList(ctx, cmdGetTLVariable, varIDList, "")
}

func (c *Conn) ControlledLanes(ctx context.Context, tlID string) ([]string, error) {
	return c.getStringList(ctx, cmdGetTLVariable, varTLControlledLanes, tlID)
}

func (c *Conn) Phase(ctx context.Context, tlID string) (int, error) {
	return c.getInt(ctx, cmdGetTLVariable, varTLCurrentPhase, tlID)
}

func (c *Conn) SetPhase(ctx context.Context, tlID string, phase int) error {
	var w writer
	w.ubyte(varTLPhaseIndex)
	w.string(tlID)
	w.ubyte(typeInteger)
	w.int32(int32(phase))
	if _, err := c.roundTrip(ctx, cmdSetTLVariable, w.buf); err != nil {
		return fmt.Errorf("set phase %d on %s: %w", phase, tlID, err)
	}
	return nil
}

func (c *Conn) LaneVehicleCount(ctx context.Context, laneID string) (int, error) {
	return c.getInt(ctx, cmdGetLaneVar, varLaneVehicleNumber, laneID)
}

func (c *Conn) LaneHaltingCount(ctx context.Context, laneID string) (int, error) {
	return c.getInt(ctx, cmdGetLaneVar, varLaneHaltingNumber, laneID)
}

func (c *Conn) MinExpectedVehicles(ctx context.Context) (int, error) {
	return c.getInt(ctx, cmdGetSimVariable, varMinExpectedVehicles, "")
}

func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = c.roundTrip(ctx, cmdClose, nil)
	c.closed = true
	return c.conn.Close()
}

func (c *Conn) getInt(ctx context.Context, cmd byte, variable byte, objectID string) (int, error) {
	r, err := c.getValue(ctx, cmd, variable, objectID)
	if err != nil {
		return 0, err
	}
	kind, err := r.ubyte()
	if err != nil {
		return 0, err
	}
	if kind != typeInteger {
		return 0, fmt.Errorf("variable 0x%02x: expected integer, got type 0x%02x", variable, kind)
	}
	v, err := r.int32()
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func (c *Conn) getStringList(ctx context.Context, cmd byte, variable byte, objectID string) ([]string, error) {
	r, err := c.getValue(ctx, cmd, variable, objectID)
	if err != nil {
		return nil, err
	}
	kind, err := r.ubyte()
	if err != nil {
		return nil, err
	}
	if kind != typeStringList {
		return nil, fmt.Errorf("variable 0x%02x: expected string list, got type 0x%02x", variable, kind)
	}
	return r.stringList()
}

// getValue issues a variable retrieval and positions a reader at the
// returned value's type byte.
func (c *Conn) getValue(ctx context.Context, cmd byte, variable byte, objectID string) (*reader, error) {
	var w writer
	w.ubyte(variable)
	w.string(objectID)
	rest, err := c.roundTrip(ctx, cmd, w.buf)
	if err != nil {
		return nil, fmt.Errorf("get variable 0x%02x of %q: %w", variable, objectID, err)
	}
	cmds, err := splitCommands(rest)
	if err != nil {
		return nil, fmt.Errorf("parse retrieval response: %w", err)
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("retrieval response carries no result command")
	}
	res := cmds[0]
	if res.id != cmd+responseOffset {
		return nil, fmt.Errorf("unexpected result command 0x%02x, want 0x%02x", res.id, cmd+responseOffset)
	}
	r := &reader{buf: res.content}
	if _, err := r.ubyte(); err != nil {
		return nil, err
	}
	if _, err := r.string(); err != nil {
		return nil, err
	}
	return r, nil
}

// roundTrip sends one command, reads one response message, verifies the
// leading status command and returns the bytes that follow it.
func (c *Conn) roundTrip(ctx context.Context, cmd byte, content []byte) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := c.conn.Write(packMessage(packCommand(cmd, content))); err != nil {
		return nil, fmt.Errorf("write command 0x%02x: %w", cmd, err)
	}

	var head [4]byte
	if _, err := io.ReadFull(c.conn, head[:]); err != nil {
		return nil, fmt.Errorf("read response length: %w", err)
	}
	size := int(binary.BigEndian.Uint32(head[:]))
	if size < 4 {
		return nil, fmt.Errorf("invalid response length %d", size)
	}
	body := make([]byte, size-4)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return verifyStatus(cmd, body)
}

func verifyStatus(cmd byte, body []byte) ([]byte, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("response too short for a status command")
	}
	length := int(body[0])
	headLen := 1
	if length == 0 {
		if len(body) < 6 {
			return nil, fmt.Errorf("truncated extended status header")
		}
		length = int(binary.BigEndian.Uint32(body[1:]))
		headLen = 5
	}
	if length < headLen+2 || length > len(body) {
		return nil, fmt.Errorf("invalid status command length %d", length)
	}
	if got := body[headLen]; got != cmd {
		return nil, fmt.Errorf("status for command 0x%02x, want 0x%02x", got, cmd)
	}
	r := &reader{buf: body[headLen+1 : length]}
	result, err := r.ubyte()
	if err != nil {
		return nil, err
	}
	desc, err := r.string()
	if err != nil {
		return nil, err
	}
	if result != statusOK {
		return nil, fmt.Errorf("simulator rejected command 0x%02x: %s", cmd, desc)
	}
	return body[length:], nil
}
