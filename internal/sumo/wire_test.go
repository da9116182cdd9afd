package sumo

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestPackCommandShortForm(t *testing.T) {
	content := []byte{0x01, 0x02, 0x03}
	packed := packCommand(cmdSimStep, content)

	if packed[0] != byte(2+len(content)) {
		t.Fatalf("length byte=%d want=%d", packed[0], 2+len(content))
	}
	if packed[1] != cmdSimStep {
		t.Fatalf("command id=%#x want=%#x", packed[1], cmdSimStep)
	}
	if !bytes.Equal(packed[2:], content) {
		t.Fatalf("content=%v want=%v", packed[2:], content)
	}
}

func TestPackCommandExtendedForm(t *testing.T) {
	content := make([]byte, 300)
	packed := packCommand(cmdGetTLVariable, content)

	if packed[0] != 0x00 {
		t.Fatalf("extended marker=%#x want=0x00", packed[0])
	}
	length := binary.BigEndian.Uint32(packed[1:5])
	if int(length) != len(packed) {
		t.Fatalf("extended length=%d want=%d", length, len(packed))
	}
	if packed[5] != cmdGetTLVariable {
		t.Fatalf("command id=%#x want=%#x", packed[5], cmdGetTLVariable)
	}
}

func TestSplitCommandsRoundTrip(t *testing.T) {
	first := packCommand(cmdSimStep, []byte{0xAA})
	second := packCommand(cmdClose, nil)
	long := packCommand(cmdGetLaneVar, make([]byte, 400))

	body := append(append(append([]byte(nil), first...), second...), long...)
	cmds, err := splitCommands(body)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(cmds) != 3 {
		t.Fatalf("commands=%d want=3", len(cmds))
	}
	if cmds[0].id != cmdSimStep || !bytes.Equal(cmds[0].content, []byte{0xAA}) {
		t.Fatalf("first command wrong: id=%#x content=%v", cmds[0].id, cmds[0].content)
	}
	if cmds[1].id != cmdClose || len(cmds[1].content) != 0 {
		t.Fatalf("second command wrong: id=%#x content=%v", cmds[1].id, cmds[1].content)
	}
	if cmds[2].id != cmdGetLaneVar || len(cmds[2].content) != 400 {
		t.Fatalf("third command wrong: id=%#x len=%d", cmds[2].id, len(cmds[2].content))
	}
}

func TestSplitCommandsRejectsTruncation(t *testing.T) {
	full := packCommand(cmdGetTLVariable, []byte{1, 2, 3, 4})
	if _, err := splitCommands(full[:len(full)-2]); err == nil {
		t.Fatalf("expected truncated body to be rejected")
	}
}

func TestPackMessageLengthPrefix(t *testing.T) {
	cmd := packCommand(cmdGetVersion, nil)
	msg := packMessage(cmd)

	length := binary.BigEndian.Uint32(msg[:4])
	if int(length) != len(msg) {
		t.Fatalf("message length=%d want=%d", length, len(msg))
	}
	if !bytes.Equal(msg[4:], cmd) {
		t.Fatalf("message body mismatch")
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	var w writer
	w.ubyte(typeInteger)
	w.int32(-42)
	w.string("tl_center")
	w.int32(3)
	w.string("a")
	w.string("bb")
	w.string("ccc")

	r := &reader{buf: w.buf}
	b, err := r.ubyte()
	if err != nil || b != typeInteger {
		t.Fatalf("ubyte=%#x err=%v", b, err)
	}
	n, err := r.int32()
	if err != nil || n != -42 {
		t.Fatalf("int32=%d err=%v", n, err)
	}
	s, err := r.string()
	if err != nil || s != "tl_center" {
		t.Fatalf("string=%q err=%v", s, err)
	}
	list, err := r.stringList()
	if err != nil {
		t.Fatalf("stringList: %v", err)
	}
	if len(list) != 3 || list[0] != "a" || list[1] != "bb" || list[2] != "ccc" {
		t.Fatalf("stringList=%v", list)
	}
	if r.remaining() != 0 {
		t.Fatalf("remaining=%d want=0", r.remaining())
	}
}

func TestReaderRejectsTruncatedString(t *testing.T) {
	var w writer
	w.int32(10)
	w.buf = append(w.buf, "abc"...)

	r := &reader{buf: w.buf}
	if _, err := r.string(); err == nil {
		t.Fatalf("expected truncated string to be rejected")
	}
}
