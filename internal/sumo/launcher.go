package sumo

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Launcher starts the external simulator process and connects a Conn to
// it. It owns at most one live session: the lock-step contract breaks
// down as soon as two controllers share a simulator, so a second Open
// while a session is live fails fast instead of queueing.
type Launcher struct {
	Binary     string
	SumoCfg    string
	Port       int
	ExtraArgs  []string
	Logger     *log.Logger

	session *Session
}

type Session struct {
	*Conn
	cmd      *exec.Cmd
	launcher *Launcher
}

func NewLauncher(binary, sumoCfg string, port int, logger *log.Logger) *Launcher {
	if strings.TrimSpace(binary) == "" {
		binary = "sumo"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Launcher{
		Binary:  binary,
		SumoCfg: sumoCfg,
		Port:    port,
		Logger:  logger,
	}
}

func (l *Launcher) Open(ctx context.Context) (Client, error) {
	if l.session != nil {
		return nil, ErrSessionOpen
	}

	args := []string{
		"-c", l.SumoCfg,
		"--remote-port", strconv.Itoa(l.Port),
		"--no-step-log",
		"-W",
	}
	args = append(args, l.ExtraArgs...)

	cmd := exec.CommandContext(ctx, l.Binary, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start simulator %s: %w", l.Binary, err)
	}
	l.Logger.Printf("simulator started pid=%d cfg=%s port=%d", cmd.Process.Pid, l.SumoCfg, l.Port)

	conn, err := l.dialWithRetry(ctx)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	s := &Session{Conn: conn, cmd: cmd, launcher: l}
	l.session = s
	return s, nil
}

func (l *Launcher) dialWithRetry(ctx context.Context) (*Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", l.Port)
	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(100*(attempt+1)) * time.Millisecond):
		}
		conn, err := Dial(ctx, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("simulator did not accept a connection: %w", lastErr)
}

func (s *Session) Close() error {
	err := s.Conn.Close()
	if waitErr := s.cmd.Wait(); waitErr != nil && err == nil {
		err = fmt.Errorf("simulator exit: %w", waitErr)
	}
	if s.launcher != nil && s.launcher.session == s {
		s.launcher.session = nil
	}
	return err
}
