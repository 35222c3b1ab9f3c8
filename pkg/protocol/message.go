// Package protocol implements the framing used on the anonymous pipes
// coupling the master, workers and the mold.
//
// Status messages flow from workers to the master over the shared status
// pipe as single-byte-tagged lines:
//
//	TAG pid[":" payload] "\n"
//
// PING carries a JSON metrics object directly after the pid, without a
// colon separator. All messages fit well under PIPE_BUF so a single
// write is atomic and lines never interleave.
package protocol

import (
	"bytes"
	"fmt"
	"strconv"

	puerr "github.com/toregeschliman/puma/pkg/errors"
)

const (
	TagBoot         byte = 'b' // worker -> master: pid:index
	TagPing         byte = 'p' // worker -> master: pid{json-metrics}
	TagFork         byte = 'f' // mold -> master: pid:index of a freshly spawned worker
	TagExternalTerm byte = 'e' // worker -> master: SIGTERM received
	TagTerm         byte = 't' // worker -> master: exiting
	TagIdle         byte = 'i' // worker -> master: toggle idle state
	TagWakeup       byte = '!' // self-pipe wakeup byte, no pid, no newline
)

// Message is one parsed status line.
type Message struct {
	Tag     byte
	Pid     int
	Index   int    // BOOT and FORK only
	Payload []byte // PING metrics JSON, raw
}

// Boot encodes a BOOT message for the given pid and worker index.
func Boot(pid, index int) []byte {
	return []byte(fmt.Sprintf("%c%d:%d\n", TagBoot, pid, index))
}

// Fork encodes a FORK message announcing a mold-spawned worker.
func Fork(pid, index int) []byte {
	return []byte(fmt.Sprintf("%c%d:%d\n", TagFork, pid, index))
}

// Ping encodes a PING message carrying a metrics JSON object.
func Ping(pid int, metrics []byte) []byte {
	return []byte(fmt.Sprintf("%c%d%s\n", TagPing, pid, metrics))
}

// Plain encodes a payload-less message (EXTERNAL_TERM, TERM, IDLE).
func Plain(tag byte, pid int) []byte {
	return []byte(fmt.Sprintf("%c%d\n", tag, pid))
}

// Encode renders m back into its wire form, newline included.
func (m Message) Encode() []byte {
	switch m.Tag {
	case TagBoot, TagFork:
		return []byte(fmt.Sprintf("%c%d:%d\n", m.Tag, m.Pid, m.Index))
	case TagPing:
		return Ping(m.Pid, m.Payload)
	case TagWakeup:
		return []byte{TagWakeup}
	default:
		return Plain(m.Tag, m.Pid)
	}
}

// Parse decodes one status line (without the trailing newline).
func Parse(line []byte) (Message, error) {
	if len(line) == 0 {
		return Message{}, puerr.New(puerr.ErrCodeProtocolParse, "protocol.parse", "empty line", nil)
	}
	m := Message{Tag: line[0]}
	if m.Tag == TagWakeup {
		return m, nil
	}

	rest := line[1:]
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i == 0 {
		return Message{}, puerr.New(puerr.ErrCodeProtocolParse, "protocol.parse",
			fmt.Sprintf("missing pid in %q", line), nil)
	}
	pid, err := strconv.Atoi(string(rest[:i]))
	if err != nil {
		return Message{}, puerr.New(puerr.ErrCodeProtocolParse, "protocol.parse", "bad pid", err)
	}
	m.Pid = pid

	tail := rest[i:]
	switch {
	case len(tail) == 0:
	case tail[0] == ':':
		idx, err := strconv.Atoi(string(tail[1:]))
		if err != nil {
			return Message{}, puerr.New(puerr.ErrCodeProtocolParse, "protocol.parse", "bad index", err)
		}
		m.Index = idx
	case tail[0] == '{':
		m.Payload = append([]byte(nil), tail...)
	default:
		return Message{}, puerr.New(puerr.ErrCodeProtocolParse, "protocol.parse",
			fmt.Sprintf("unexpected payload in %q", line), nil)
	}
	return m, nil
}

// Split carves complete newline-terminated lines off buf and parses
// each, returning the unconsumed remainder. Stray wakeup bytes between
// lines are skipped. Unparseable lines are dropped; the caller keeps
// reading, a single corrupt line must not wedge the stream.
func Split(buf []byte) (msgs []Message, rest []byte, dropped int) {
	for {
		for len(buf) > 0 && buf[0] == TagWakeup {
			buf = buf[1:]
		}
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			return msgs, buf, dropped
		}
		line := buf[:nl]
		buf = buf[nl+1:]
		m, err := Parse(line)
		if err != nil {
			dropped++
			continue
		}
		msgs = append(msgs, m)
	}
}
