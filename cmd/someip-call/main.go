// Command someip-call discovers a single service instance via Service
// Discovery and issues one method call against it, printing the result.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/samsamfire/gosomeip/pkg/client"
	"github.com/samsamfire/gosomeip/pkg/discovery"
	"github.com/samsamfire/gosomeip/pkg/transport"
)

func main() {
	iface := flag.String("i", "lo", "network interface to join SD multicast on")
	addr := flag.String("addr", "127.0.0.1", "this host's address on -i")
	serviceIDHex := flag.String("service", "1234", "target service id, hex")
	instanceID := flag.Uint("instance", 1, "target instance id")
	majorVersion := flag.Uint("major", 1, "target service major version")
	methodIDHex := flag.String("method", "0001", "method id to call, hex")
	timeout := flag.Duration("timeout", 3*time.Second, "how long to wait for the instance to appear and reply")
	flag.Parse()

	logger := slog.Default()

	serviceID, err := strconv.ParseUint(*serviceIDHex, 16, 16)
	if err != nil {
		logger.Error("parsing -service", "err", err)
		os.Exit(1)
	}
	methodID, err := strconv.ParseUint(*methodIDHex, 16, 16)
	if err != nil {
		logger.Error("parsing -method", "err", err)
		os.Exit(1)
	}
	interfaceAddr, err := netip.ParseAddr(*addr)
	if err != nil {
		logger.Error("parsing -addr", "err", err)
		os.Exit(1)
	}

	disc, err := discovery.New(discovery.Config{
		MulticastGroup: discovery.DefaultMulticastGroup,
		Port:           discovery.DefaultPort,
		Interface:      *iface,
		InterfaceAddr:  interfaceAddr,
	}, logger)
	if err != nil {
		logger.Error("opening SD engine", "err", err)
		os.Exit(1)
	}
	defer disc.Close()
	disc.Start()

	udp, err := transport.NewUDPEndpoint(netip.AddrPortFrom(interfaceAddr, 0), logger)
	if err != nil {
		logger.Error("opening UDP endpoint", "err", err)
		os.Exit(1)
	}
	defer udp.Close()
	go udp.Serve()

	ref := client.ServiceRef{
		ServiceID:    uint16(serviceID),
		InstanceID:   uint16(instanceID),
		MajorVersion: uint8(majorVersion),
	}
	inst := client.New(ref, 0x0001, disc, udp, func(eventID uint16, payload []byte) {
		logger.Info("event received", "eventID", eventID, "bytes", len(payload))
	}, logger)
	defer inst.Close()

	deadline := time.Now().Add(*timeout)
	for !inst.IsAvailable() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if !inst.IsAvailable() {
		logger.Error("service did not appear before timeout")
		os.Exit(1)
	}

	result, err := inst.CallMethodTimeout(*timeout, uint16(methodID), nil)
	if err != nil {
		logger.Error("method call failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("success=%v returnCode=%d payload=%x\n", result.Success, result.ReturnCode, result.Payload)
}
