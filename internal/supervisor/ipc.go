// Package supervisor keeps exactly one bot child process alive,
// mediates planned restarts over a line-delimited JSON IPC channel, and
// persists restart checkpoints across the process boundary.
package supervisor

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// IPC message types. Child to parent: planned_restart, error.
// Parent to child: restart_ack, error.
const (
	MessagePlannedRestart = "planned_restart"
	MessageRestartAck     = "restart_ack"
	MessageError          = "error"
)

// Child-side file descriptors for the IPC pipe pair. The supervisor
// wires these via ExtraFiles on spawn.
const (
	childIPCWriteFD = 3
	childIPCReadFD  = 4
)

// ErrUnknownMessage marks an IPC envelope whose type is not recognized.
// Such messages are logged and dropped, never fatal.
var ErrUnknownMessage = errors.New("unknown ipc message type")

// Message is the IPC envelope exchanged between supervisor and child.
type Message struct {
	Type       string `json:"type"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ParseMessage decodes and validates one IPC line.
func ParseMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("malformed ipc message: %w", err)
	}

	switch msg.Type {
	case MessagePlannedRestart:
		if msg.Checkpoint == "" {
			return nil, fmt.Errorf("planned_restart without checkpoint path")
		}
	case MessageRestartAck:
	case MessageError:
		if msg.Message == "" {
			return nil, fmt.Errorf("error message without text")
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	return &msg, nil
}

func writeMessage(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// ChildIPC is the child-process end of the supervisor channel.
type ChildIPC struct {
	writeMu sync.Mutex
	w       io.WriteCloser
	r       io.ReadCloser

	replies chan Message
	once    sync.Once
}

// Supervised reports whether this process was spawned by a supervisor.
func Supervised() bool {
	return os.Getenv("SUPERVISED") == "1"
}

// NewChildIPC opens the pipe pair the supervisor passed on fds 3 and 4.
// Returns nil when the process is not supervised.
func NewChildIPC() *ChildIPC {
	if !Supervised() {
		return nil
	}
	c := &ChildIPC{
		w:       os.NewFile(childIPCWriteFD, "supervisor-ipc-out"),
		r:       os.NewFile(childIPCReadFD, "supervisor-ipc-in"),
		replies: make(chan Message, 4),
	}
	go c.readLoop()
	return c
}

func (c *ChildIPC) readLoop() {
	scanner := bufio.NewScanner(c.r)
	for scanner.Scan() {
		msg, err := ParseMessage(scanner.Bytes())
		if err != nil {
			continue
		}
		select {
		case c.replies <- *msg:
		default:
		}
	}
	close(c.replies)
}

// RequestPlannedRestart asks the supervisor to respawn with the given
// checkpoint after this process exits. It blocks until the supervisor
// acknowledges, replies with an error, or the timeout elapses.
func (c *ChildIPC) RequestPlannedRestart(checkpointPath string, timeout time.Duration) error {
	c.writeMu.Lock()
	err := writeMessage(c.w, Message{Type: MessagePlannedRestart, Checkpoint: checkpointPath})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send planned_restart: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case reply, ok := <-c.replies:
			if !ok {
				return errors.New("supervisor channel closed before acknowledgement")
			}
			switch reply.Type {
			case MessageRestartAck:
				return nil
			case MessageError:
				return fmt.Errorf("supervisor rejected planned restart: %s", reply.Message)
			}
		case <-timer.C:
			return errors.New("timed out waiting for restart acknowledgement")
		}
	}
}

// Close releases the pipe ends.
func (c *ChildIPC) Close() {
	c.once.Do(func() {
		_ = c.w.Close()
		_ = c.r.Close()
	})
}
