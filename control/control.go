// Package control is the MQTT command-and-status plane for the root
// node: operators trigger distributions and reboots by publishing to a
// command topic, and the root reports progress on a status topic. The
// TCP/MQTT wiring uses pre-allocated buffers, lneto's retrying stack, and
// natiu-mqtt's zero-alloc decoder, the same connect/subscribe/poll shape
// used for OTA commands here instead of schedule polling.
//
//go:build tinygo

package control

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/meshota/config"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	dialTimeout  = 10 * time.Second
	dialRetries  = 3
	tcpBufSize   = 2030
	mqttBufSize  = 512
	pollInterval = 100 * time.Millisecond
)

var (
	topicCommand = []byte("meshota/ota/command")
	topicStatus  = []byte("meshota/ota/status")
)

// Command is a decoded instruction from the command topic.
type Command struct {
	Action string // "distribute", "reboot", "status"
	URL    string // firmware URL, for "distribute"
}

// Handler reacts to a Command and returns a short status string to
// publish back on the status topic.
type Handler func(Command) string

var (
	rxBuf, txBuf   [tcpBufSize]byte
	userBuf        [mqttBufSize]byte
	cmdBuf         [mqttBufSize]byte
	cmdLen         int
	gotCmd         bool
	activeHandler  Handler
)

// Plane owns one long-lived MQTT session against the configured broker,
// dispatching inbound commands to a Handler and publishing its return
// value as the status update.
type Plane struct {
	stack  *xnet.StackAsync
	broker netip.AddrPort
	log    *slog.Logger
}

// New builds a Plane against config.BrokerAddr(); broker must already be
// resolved to an address:port by the caller, once at startup via
// DNS/static config.
func New(stack *xnet.StackAsync, broker netip.AddrPort, log *slog.Logger) *Plane {
	if log == nil {
		log = slog.Default()
	}
	return &Plane{stack: stack, broker: broker, log: log}
}

// Run connects, subscribes to the command topic, and dispatches every
// inbound command to handler until the connection drops or ctx-less
// deadline budget is exhausted. Callers loop Run to reconnect.
func (p *Plane) Run(handler Handler) error {
	activeHandler = handler
	gotCmd = false
	cmdLen = 0

	rstack := p.stack.StackRetrying(5 * time.Millisecond)

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             rxBuf[:],
		TxBuf:             txBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		return err
	}

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: userBuf[:]},
		OnPub:   onCommand,
	}
	client := mqtt.NewClient(cfg)

	var varconn mqtt.VariablesConnect
	clientID := make([]byte, 0, 32)
	clientID = append(clientID, config.ClientID()...)
	clientID = append(clientID, '-', 'c', 't', 'l')
	varconn.SetDefaultMQTT(clientID)

	lport := uint16(p.stack.Prand32()>>17) + 1024
	p.log.Info("control:dialing", slog.String("broker", p.broker.String()), slog.Uint64("localport", uint64(lport)))

	if err := rstack.DoDialTCP(&conn, lport, p.broker, dialTimeout, dialRetries); err != nil {
		p.log.Error("control:dial-failed", slog.String("err", err.Error()))
		p.closeConn(&conn)
		return err
	}

	conn.SetDeadline(time.Now().Add(dialTimeout))
	if err := client.StartConnect(&conn, &varconn); err != nil {
		p.log.Error("control:connect-failed", slog.String("err", err.Error()))
		p.closeConn(&conn)
		return err
	}

	for retries := 50; retries > 0 && !client.IsConnected(); retries-- {
		time.Sleep(pollInterval)
		if err := client.HandleNext(); err != nil {
			p.log.Warn("control:handle-next", slog.String("err", err.Error()))
		}
	}
	if !client.IsConnected() {
		p.log.Error("control:connect-timeout")
		p.closeConn(&conn)
		return errors.New("control: mqtt connect timeout")
	}
	p.log.Info("control:connected")

	var varSub = mqtt.VariablesSubscribe{TopicFilters: []mqtt.SubscribeRequest{{TopicFilter: topicCommand, QoS: mqtt.QoS0}}}
	conn.SetDeadline(time.Now().Add(dialTimeout))
	varSub.PacketIdentifier = uint16(p.stack.Prand32())
	if err := client.StartSubscribe(varSub); err != nil {
		p.log.Error("control:subscribe-failed", slog.String("err", err.Error()))
		p.closeConn(&conn)
		return err
	}
	p.log.Info("control:subscribed", slog.String("topic", string(topicCommand)))

	for client.IsConnected() {
		time.Sleep(pollInterval)
		if err := client.HandleNext(); err != nil {
			p.log.Warn("control:handle-next", slog.String("err", err.Error()))
			break
		}
		if gotCmd {
			gotCmd = false
			cmd := decodeCommand(cmdBuf[:cmdLen])
			status := activeHandler(cmd)
			p.publishStatus(&client, status)
		}
	}

	client.Disconnect(errors.New("control: session ended"))
	p.closeConn(&conn)
	return nil
}

func (p *Plane) publishStatus(client *mqtt.Client, status string) {
	pubFlags, _ := mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	pubVar := mqtt.VariablesPublish{TopicName: topicStatus, PacketIdentifier: uint16(p.stack.Prand32())}
	if err := client.PublishPayload(pubFlags, pubVar, []byte(status)); err != nil {
		p.log.Warn("control:publish-failed", slog.String("err", err.Error()))
	}
}

func (p *Plane) closeConn(conn *tcp.Conn) {
	conn.Close()
	for i := 0; i < 50 && !conn.State().IsClosed(); i++ {
		time.Sleep(pollInterval)
	}
	conn.Abort()
	p.stack.DiscardResolveHardwareAddress6(p.broker.Addr())
}

func onCommand(pubHead mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
	if !bytesEqual(varPub.TopicName, topicCommand) {
		return nil
	}
	n, err := r.Read(cmdBuf[:])
	if err != nil && err != io.EOF {
		return err
	}
	cmdLen = n
	gotCmd = true
	return nil
}

// decodeCommand parses "action" or "action url" space-separated payloads
// ("distribute http://host/fw.uf2", "reboot", "status") — deliberately
// not JSON, since the decoder buffer here has no allocator to spare.
func decodeCommand(b []byte) Command {
	s := string(b)
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return Command{Action: s[:i], URL: s[i+1:]}
		}
	}
	return Command{Action: s}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
