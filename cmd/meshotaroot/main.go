// Command meshotaroot runs a meshota node on ordinary host networking
// instead of the tinygo/RP2350 target: a root (or leaf, for local
// multi-process testing) that persists rollback state to a buntdb file
// and streams firmware over a real HTTP(S) client, for operators running
// the mesh root on a gateway machine rather than embedded hardware.
//
//go:build !tinygo

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"openenterprise/meshota/distributor"
	"openenterprise/meshota/download"
	"openenterprise/meshota/download/fasthttpclient"
	"openenterprise/meshota/partition"
	"openenterprise/meshota/partition/memfake"
	"openenterprise/meshota/reboot"
	"openenterprise/meshota/receiver"
	"openenterprise/meshota/rollback"
	"openenterprise/meshota/rollback/kvstore"
	"openenterprise/meshota/router"
	"openenterprise/meshota/transport"
	"openenterprise/meshota/transport/meshgw"
	"openenterprise/meshota/wire"
)

func main() {
	root := flag.Bool("root", true, "run as mesh root (distributor) instead of a leaf (receiver)")
	addrHex := flag.String("addr", "aa:bb:cc:dd:ee:01", "this node's mesh address, colon-separated hex")
	version := flag.String("version", "host-dev", "running firmware version reported by this node")
	statePath := flag.String("state", "meshotaroot.db", "buntdb file backing rollback state")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	self, err := parseAddr(*addrHex)
	if err != nil {
		logger.Error("init:bad-addr", slog.String("err", err.Error()))
		os.Exit(1)
	}

	store, err := kvstore.Open(*statePath)
	if err != nil {
		logger.Error("init:kvstore-failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	rbEngine := rollback.New(store, logger)
	partDev := memfake.New(*version)

	if action, err := rbEngine.CheckRollback(); err != nil {
		logger.Error("rollback:check-failed", slog.String("err", err.Error()))
	} else if action == rollback.SwapPartitionAndRestart {
		target, err := rollback.SwapTarget(partDev)
		if err == nil {
			partDev.SetBoot(target)
			logger.Warn("rollback:swapping-partition", slog.Int("target", int(target)))
		}
	}

	mesh, err := meshgw.New(self, *root, logger)
	if err != nil {
		logger.Error("init:mesh-listen-failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	dist := distributor.New(mesh, partDev, logger)
	recv := receiver.New(partDev, logger)
	rebootCoord := reboot.New(mesh, partDev, rbEngine, dist, logger)

	r := router.New(*root, dist, recv, rebootCoord, logger)
	r.OnReboot = func(rb wire.Reboot) (wire.Ack, error) {
		runningDesc, _ := partDev.ReadDescriptor(partDev.Running())
		return recv.HandleReboot(rb, runningDesc.Version, rbEngine.Arm)
	}

	go rbEngine.RunWatchdog(mesh)
	go dispatchLoop(mesh, r, logger)

	downloader := download.New(fasthttpclient.Client{}, partDev, logger)
	logger.Info("init:complete", slog.Bool("root", *root), slog.String("addr", self.String()))

	runOperatorConsole(os.Stdin, os.Stdout, dist, recv, rebootCoord, downloader, partDev, logger)
}

func dispatchLoop(mesh *meshgw.Node, r *router.Router, logger *slog.Logger) {
	ctx := context.Background()
	for {
		from, frame, err := mesh.Recv(ctx, 2*time.Second)
		if err != nil {
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

func parseAddr(s string) (transport.Addr, error) {
	var a transport.Addr
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return a, fmt.Errorf("meshotaroot: want six colon-separated hex bytes, got %q", s)
	}
	for i, p := range parts {
		var b int
		if _, err := fmt.Sscanf(p, "%x", &b); err != nil {
			return a, fmt.Errorf("meshotaroot: bad hex byte %q: %w", p, err)
		}
		a[i] = byte(b)
	}
	return a, nil
}

// runOperatorConsole reads line commands from in, mirroring the telnet
// admin console's vocabulary (distribute/reboot/status) for an operator
// running this binary interactively instead of over the wire.
func runOperatorConsole(in *os.File, out *os.File, dist *distributor.Session, recv *receiver.Receiver, rebootCoord *reboot.Coordination, downloader *download.Downloader, part partition.Partition, logger *slog.Logger) {
	fmt.Fprintln(out, "meshota gateway console. Commands: distribute <url>, reboot, status, quit")
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "distribute":
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: distribute <url>")
				continue
			}
			runningDesc, err := part.ReadDescriptor(part.Running())
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			url := fields[1]
			go func() {
				ctx := context.Background()
				if err := downloader.Download(ctx, url, runningDesc.Version); err != nil {
					logger.Warn("console:download-failed", slog.String("err", err.Error()))
					return
				}
				if err := dist.Distribute(ctx, runningDesc.Version, nil); err != nil {
					logger.Warn("console:distribute-failed", slog.String("err", err.Error()))
				}
			}()
			fmt.Fprintln(out, "distributing")
		case "reboot":
			runningDesc, err := part.ReadDescriptor(part.Running())
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			go func() {
				if err := rebootCoord.Initiate(context.Background(), 30, 500, runningDesc.Version, func(transport.Addr) bool { return true }); err != nil {
					logger.Warn("console:reboot-failed", slog.String("err", err.Error()))
				}
			}()
			fmt.Fprintln(out, "reboot-coordinating")
		case "status":
			fmt.Fprintln(out, "distributor:", dist.Status().String())
			fmt.Fprintln(out, "reboot phase:", rebootCoord.Phase().String())
			for _, ns := range dist.NodeStatuses() {
				fmt.Fprintln(out, " node", ns.Addr.String(), "complete:", ns.Complete)
			}
		case "quit":
			return
		default:
			fmt.Fprintln(out, "unknown command:", fields[0])
		}
	}
}
