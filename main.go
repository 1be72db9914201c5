//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"context"
	"log/slog"
	"machine"
	"net/netip"
	"time"

	"openenterprise/meshota/config"
	"openenterprise/meshota/console"
	"openenterprise/meshota/control"
	"openenterprise/meshota/credentials"
	"openenterprise/meshota/distributor"
	"openenterprise/meshota/download"
	"openenterprise/meshota/download/lnetohttp"
	"openenterprise/meshota/ota"
	"openenterprise/meshota/partition"
	"openenterprise/meshota/partition/flash"
	"openenterprise/meshota/reboot"
	"openenterprise/meshota/receiver"
	"openenterprise/meshota/rollback"
	"openenterprise/meshota/rollback/flashkv"
	"openenterprise/meshota/router"
	"openenterprise/meshota/telemetry"
	"openenterprise/meshota/transport"
	"openenterprise/meshota/transport/meshnet"
	"openenterprise/meshota/version"
	"openenterprise/meshota/wire"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
)

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

// globalCyStack backs the telemetry span helpers, which need the lneto
// stack but run from goroutines outside main.
var globalCyStack *cywnet.Stack

// fatalError waits for the watchdog to reset the device, falling back to
// a software reboot if it doesn't fire.
func fatalError(msg string) {
	println(msg)
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("watchdog timeout - forcing software reset...")
	ota.Reboot()
	for {
		time.Sleep(time.Second)
	}
}

func main() {
	confirmResult := ota.ConfirmPartitionWithCode()

	time.Sleep(2 * time.Second)
	println("========================================")
	println("  meshota")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	if confirmResult != 0 {
		println("ota: partition confirm returned:", confirmResult)
	} else {
		println("ota: partition confirmed")
	}

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{Level: slog.LevelDebug}))
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{Level: slog.Level(12)}))

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 8000})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	// Rollback decision runs before the mesh starts (per §4.7). On this
	// target the post-boot connectivity watchdog (rollback.RunWatchdog) is
	// not started: NormalBootWithWatchdog only logs, so the attempt counter
	// is not advanced by this boot.
	rbStore := flashkv.New()
	rbEngine := rollback.New(rbStore, logger)
	partDev := flash.New()

	action, err := rbEngine.CheckRollback()
	if err != nil {
		logger.Error("rollback:check-failed", slog.String("err", err.Error()))
	}
	switch action {
	case rollback.SwapPartitionAndRestart:
		target, err := rollback.SwapTarget(partDev)
		if err == nil {
			partDev.SetBoot(target)
			logger.Warn("rollback:swapping-partition", slog.Int("target", int(target)))
			partDev.Reboot()
		}
	case rollback.NormalBootWithWatchdog:
		logger.Info("rollback:watchdog-armed")
	case rollback.NormalBoot:
		logger.Info("rollback:normal-boot")
	}

	isRoot := config.ClientID() == "meshota-root"

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{Hostname: "meshota", MaxTCPPorts: 4},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("wifi setup failed - waiting for reset...")
	}
	globalCyStack = cystack

	ota.SetWiFiShutdown(func() {
		logger.Info("ota:wifi-shutdown")
		time.Sleep(100 * time.Millisecond)
	})

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{RequestedAddr: netip.AddrFrom4(requestedIP)})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("dhcp failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))

	stack := cystack.LnetoStack()

	collectorAddr, err := config.TelemetryCollectorAddr()
	if err != nil {
		logger.Warn("telemetry:config-invalid", slog.String("err", err.Error()))
	} else if err := telemetry.Init(stack, logger, collectorAddr); err != nil {
		logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
	}

	selfAddr := meshAddrFromIP(dhcpResults.AssignedAddr)
	mesh := meshnet.New(stack, selfAddr, isRoot, logger)

	dist := distributor.New(mesh, partDev, logger)
	recv := receiver.New(partDev, logger)
	rebootCoord := reboot.New(mesh, partDev, rbEngine, dist, logger)

	r := router.New(isRoot, dist, recv, rebootCoord, logger)
	r.OnReboot = func(rb wire.Reboot) (wire.Ack, error) {
		runningDesc, _ := partDev.ReadDescriptor(partDev.Running())
		ack, err := recv.HandleReboot(rb, runningDesc.Version, rbEngine.Arm)
		return ack, err
	}

	if isRoot {
		brokerAddr, err := config.BrokerAddr()
		if err != nil {
			logger.Error("config:broker-invalid", slog.String("err", err.Error()))
		} else {
			plane := control.New(stack, brokerAddr, logger)
			go runControlPlane(plane, dist, rebootCoord, partDev, logger)
		}
	}

	httpClient := lnetohttp.Client{Stack: stack}
	downloader := download.New(httpClient, partDev, logger)

	consoleServer := &console.Server{
		Partition:   partDev,
		Rollback:    rbEngine,
		Distributor: distStatusView{dist},
		Reboot:      rebootPhaseView{rebootCoord},
		Trigger:     triggerImpl{dist: dist, reboot: rebootCoord, download: downloader, part: partDev},
		Log:         logger,
	}
	go consoleServer.Run(stack)

	logger.Info("init:complete", slog.Bool("root", isRoot), slog.String("addr", selfAddr.String()))

	// Main dispatch loop: every inbound mesh frame is routed to the
	// appropriate component; the hardware watchdog is fed on every
	// iteration.
	ctx := context.Background()
	for {
		machine.Watchdog.Update()
		from, frame, err := mesh.Recv(ctx, 2*time.Second)
		if err != nil {
			if !isRoot {
				recv.CheckInactivity()
			}
			continue
		}
		reply, err := r.Dispatch(ctx, from, frame)
		if err != nil {
			logger.Warn("dispatch:error", slog.String("err", err.Error()))
			continue
		}
		if reply != nil {
			mesh.Send(ctx, from, reply, transport.TOSP2P)
		}
	}
}

func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			machine.Watchdog.Update()
			count = 0
		}
	}
}

// meshAddrFromIP derives this node's mesh address from its DHCP-assigned
// IPv4 address, padded into the six-byte mesh address space; meshnet
// routes over IP anyway, so the IP is already the node's true identity.
func meshAddrFromIP(ip netip.Addr) transport.Addr {
	var a transport.Addr
	b4 := ip.As4()
	copy(a[:4], b4[:])
	return a
}

type distStatusView struct{ dist *distributor.Session }

func (v distStatusView) Status() string { return v.dist.Status().String() }

func (v distStatusView) NodeStatuses() []string {
	ns := v.dist.NodeStatuses()
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		state := "pending"
		if n.Complete {
			state = "complete"
		}
		out = append(out, n.Addr.String()+": "+state)
	}
	return out
}

type rebootPhaseView struct{ c *reboot.Coordination }

func (v rebootPhaseView) Phase() string { return v.c.Phase().String() }

type triggerImpl struct {
	dist     *distributor.Session
	reboot   *reboot.Coordination
	download *download.Downloader
	part     partition.Partition
}

func (t triggerImpl) StartDistribute(url string) error {
	runningDesc, err := t.part.ReadDescriptor(t.part.Running())
	if err != nil {
		return err
	}
	go func() {
		ctx := context.Background()
		span := telemetry.StartDistributeSpan(globalCyStack.LnetoStack())
		if err := t.download.Download(ctx, url, runningDesc.Version); err != nil {
			telemetry.EndSpan(span, false)
			return
		}
		err := t.dist.Distribute(ctx, runningDesc.Version, func(block, total, nodesComplete int) {
			telemetry.RecordBlockProgress(block, total)
			telemetry.RecordNodesComplete(nodesComplete)
		})
		telemetry.EndSpan(span, err == nil)
	}()
	return nil
}

func (t triggerImpl) StartReboot() error {
	runningDesc, err := t.part.ReadDescriptor(t.part.Running())
	if err != nil {
		return err
	}
	go func() {
		telemetry.RecordRebootInitiated()
		span := telemetry.StartRebootSpan(globalCyStack.LnetoStack())
		err := t.reboot.Initiate(context.Background(), 30, 500, runningDesc.Version, func(transport.Addr) bool { return true })
		telemetry.EndSpan(span, err == nil)
		if err != nil {
			telemetry.RecordRebootFailed()
			telemetry.LogWarn("ota.reboot_failed")
		}
	}()
	return nil
}

func runControlPlane(plane *control.Plane, dist *distributor.Session, rebootCoord *reboot.Coordination, part partition.Partition, logger *slog.Logger) {
	for {
		err := plane.Run(func(cmd control.Command) string {
			switch cmd.Action {
			case "distribute":
				desc, err := part.ReadDescriptor(part.Running())
				if err != nil {
					return "error: " + err.Error()
				}
				go dist.Distribute(context.Background(), desc.Version, nil)
				return "distributing"
			case "reboot":
				desc, err := part.ReadDescriptor(part.Running())
				if err != nil {
					return "error: " + err.Error()
				}
				go rebootCoord.Initiate(context.Background(), 30, 500, desc.Version, func(transport.Addr) bool { return true })
				return "reboot-coordinating"
			case "status":
				return dist.Status().String()
			default:
				return "unknown-command"
			}
		})
		if err != nil {
			logger.Warn("control:run-exited", slog.String("err", err.Error()))
		}
		time.Sleep(5 * time.Second)
	}
}
