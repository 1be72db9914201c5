// Package console is a trimmed telnet admin console for the root node,
// exposing only the commands an operator needs to watch and drive an OTA
// distribution: status, triggering a push, and inspecting rollback state.
//
//go:build tinygo

package console

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"openenterprise/meshota/credentials"
	"openenterprise/meshota/partition"
	"openenterprise/meshota/rollback"
	"openenterprise/meshota/version"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	port    = uint16(23)
	bufSize = 1024
)

var (
	rxBuf, txBuf [bufSize]byte
	lineBuf      [bufSize]byte
	startTime    time.Time

	authFailures    int
	lastFailureTime time.Time
)

const (
	cmdHelp            = "help"
	cmdStatus          = "status"
	cmdVersion         = "version"
	cmdNet             = "net"
	cmdOTAStatus       = "ota-status"
	cmdDistribute      = "distribute"
	cmdReboot          = "reboot"
	cmdRollbackStatus  = "rollback-status"
)

// Distributor is the subset of distributor.Session the console drives.
type Distributor interface {
	Status() string
	NodeStatuses() []string
}

// Rebooter is the subset of reboot.Coordination the console can trigger.
type Rebooter interface {
	Phase() string
}

// Trigger starts an operator-initiated action in response to a command;
// implemented by main's wiring so the console stays free of direct
// dependencies on distributor.Session/reboot.Coordination signatures.
type Trigger interface {
	StartDistribute(url string) error
	StartReboot() error
}

// Server runs the telnet console loop for one node.
type Server struct {
	Partition   partition.Partition
	Rollback    *rollback.Engine
	Distributor Distributor
	Reboot      Rebooter
	Trigger     Trigger
	Log         *slog.Logger
}

// Run accepts and serves console connections until the process exits.
func (s *Server) Run(stack *xnet.StackAsync) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	startTime = time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("console:panic-recovered")
		}
	}()

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{RxBuf: rxBuf[:], TxBuf: txBuf[:], TxPacketQueueSize: 3}); err != nil {
		log.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}

	addr := netip.AddrPortFrom(stack.Addr(), port)
	log.Info("console:listening", slog.String("addr", addr.String()))

	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if lockout := lockoutRemaining(); lockout > 0 {
			time.Sleep(1 * time.Second)
			continue
		}

		if err := stack.ListenTCP(&conn, port); err != nil {
			log.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waited := 0
		for conn.State().IsPreestablished() && waited < 6000 {
			time.Sleep(10 * time.Millisecond)
			waited++
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		log.Info("console:connected")
		if !s.authenticate(&conn) {
			log.Info("console:auth-failed", slog.Int("failures", authFailures))
			s.closeConn(&conn)
			continue
		}

		write(&conn, "meshota admin console. Type 'help' for commands.\r\n> ")
		conn.Flush()
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("console:session-panic")
				}
			}()
			s.serve(&conn)
		}()

		s.closeConn(&conn)
		log.Info("console:disconnected")
	}
}

func (s *Server) closeConn(conn *tcp.Conn) {
	conn.Close()
	for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
}

func (s *Server) serve(conn *tcp.Conn) {
	var cmdLen int
	var readBuf [64]byte
	var skipIAC int

	for {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			return
		}
		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		gotNewline := false
		for i := 0; i < n && cmdLen < len(lineBuf)-1; i++ {
			b := readBuf[i]
			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}
			if b == '\n' || b == '\r' {
				if gotNewline {
					continue
				}
				gotNewline = true
				if cmdLen > 0 {
					s.dispatch(conn, lineBuf[:cmdLen])
				}
				cmdLen = 0
				conn.Write([]byte("> "))
				conn.Flush()
			} else if b >= 32 && b < 127 {
				lineBuf[cmdLen] = b
				cmdLen++
				gotNewline = false
			}
		}
		if cmdLen >= len(lineBuf)-1 {
			cmdLen = 0
			write(conn, "\r\nline too long\r\n> ")
			conn.Flush()
		}
	}
}

func (s *Server) dispatch(conn *tcp.Conn, cmd []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error("console:command-panic")
		}
	}()

	switch string(cmd) {
	case cmdHelp:
		write(conn, "commands: help status version net ota-status distribute <url> reboot rollback-status\r\n")

	case cmdStatus:
		write(conn, "uptime: ")
		writeUptime(conn)
		write(conn, "\r\n")

	case cmdVersion:
		write(conn, "version: "+version.Version+"\r\n")
		write(conn, "git sha: "+version.GitSHA+"\r\n")
		write(conn, "built:   "+version.BuildDate+"\r\n")

	case cmdNet:
		write(conn, "listening on port ")
		writeInt(conn, int(port))
		write(conn, "\r\n")

	case cmdOTAStatus:
		if s.Distributor != nil {
			write(conn, "distribution: "+s.Distributor.Status()+"\r\n")
			for _, n := range s.Distributor.NodeStatuses() {
				write(conn, "  "+n+"\r\n")
			}
		} else {
			write(conn, "distributor not wired\r\n")
		}
		if s.Reboot != nil {
			write(conn, "reboot phase: "+s.Reboot.Phase()+"\r\n")
		}
		if s.Partition != nil {
			running := s.Partition.Running()
			boot, _ := s.Partition.GetBoot()
			write(conn, "running bank: ")
			writeInt(conn, int(running))
			write(conn, ", boot target: ")
			writeInt(conn, int(boot))
			write(conn, "\r\n")
		}

	case cmdReboot:
		if s.Trigger == nil {
			write(conn, "no trigger wired\r\n")
			break
		}
		if err := s.Trigger.StartReboot(); err != nil {
			write(conn, "reboot coordination failed: "+err.Error()+"\r\n")
		} else {
			write(conn, "reboot coordination started\r\n")
		}

	case cmdRollbackStatus:
		if s.Rollback == nil {
			write(conn, "rollback engine not wired\r\n")
			break
		}
		write(conn, "armed: ")
		writeBool(conn, s.Rollback.Armed())
		write(conn, "\r\n")

	default:
		if len(cmd) > len(cmdDistribute) && string(cmd[:len(cmdDistribute)]) == cmdDistribute && cmd[len(cmdDistribute)] == ' ' {
			url := string(cmd[len(cmdDistribute)+1:])
			if s.Trigger == nil {
				write(conn, "no trigger wired\r\n")
				return
			}
			if err := s.Trigger.StartDistribute(url); err != nil {
				write(conn, "distribute failed: "+err.Error()+"\r\n")
			} else {
				write(conn, "distribution started for "+url+"\r\n")
			}
			return
		}
		write(conn, "unknown command: "+string(cmd)+"\r\ntype 'help' for commands\r\n")
	}
}

func write(conn *tcp.Conn, s string) { conn.Write([]byte(s)) }

func writeInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

func writeBool(conn *tcp.Conn, b bool) {
	if b {
		conn.Write([]byte("true"))
	} else {
		conn.Write([]byte("false"))
	}
}

func writeUptime(conn *tcp.Conn) {
	d := time.Since(startTime)
	writeInt(conn, int(d.Hours()))
	conn.Write([]byte("h "))
	writeInt(conn, int(d.Minutes())%60)
	conn.Write([]byte("m "))
	writeInt(conn, int(d.Seconds())%60)
	conn.Write([]byte("s"))
}

func lockoutRemaining() time.Duration {
	var lockout time.Duration
	switch {
	case authFailures >= 10:
		lockout = 5 * time.Minute
	case authFailures >= 5:
		lockout = 30 * time.Second
	case authFailures >= 3:
		lockout = 5 * time.Second
	}
	if lockout == 0 {
		return 0
	}
	remaining := lockout - time.Since(lastFailureTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01}
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01}
)

func (s *Server) authenticate(conn *tcp.Conn) bool {
	conn.Write(telnetWillEcho)
	write(conn, "Password: ")
	conn.Flush()

	var passBuf, readBuf [64]byte
	var passLen, skipIAC int
	deadline := time.Now().Add(10 * time.Second)

	restoreEcho := func() {
		conn.Write(telnetWontEcho)
		write(conn, "\r\n")
		conn.Flush()
	}

	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			restoreEcho()
			return false
		}
		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			restoreEcho()
			return false
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		for i := 0; i < n && passLen < len(passBuf)-1; i++ {
			b := readBuf[i]
			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}
			if b == '\n' || b == '\r' {
				restoreEcho()
				if subtle.ConstantTimeCompare(passBuf[:passLen], []byte(credentials.ConsolePassword())) == 1 {
					authFailures = 0
					return true
				}
				authFailures++
				lastFailureTime = time.Now()
				return false
			} else if b >= 32 && b < 127 {
				passBuf[passLen] = b
				passLen++
			}
		}
		if passLen >= len(passBuf)-1 {
			restoreEcho()
			authFailures++
			lastFailureTime = time.Now()
			return false
		}
	}

	restoreEcho()
	authFailures++
	lastFailureTime = time.Now()
	return false
}
