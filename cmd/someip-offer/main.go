// Command someip-offer offers a service manifest's first entry over
// Service Discovery and answers its requests with a trivial echo handler,
// so the SD engine, server instance and manifest loader can be exercised
// end to end on real sockets.
package main

import (
	"flag"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/samsamfire/gosomeip/pkg/discovery"
	"github.com/samsamfire/gosomeip/pkg/manifest"
	"github.com/samsamfire/gosomeip/pkg/server"
	"github.com/samsamfire/gosomeip/pkg/service"
	"github.com/samsamfire/gosomeip/pkg/transport"
)

func main() {
	manifestPath := flag.String("manifest", "", "path to an ini service manifest")
	iface := flag.String("i", "lo", "network interface to join SD multicast on")
	addr := flag.String("addr", "127.0.0.1", "this host's address on -i")
	flag.Parse()

	logger := slog.Default()

	if *manifestPath == "" {
		logger.Error("missing -manifest")
		os.Exit(1)
	}
	services, err := manifest.Load(*manifestPath)
	if err != nil {
		logger.Error("loading manifest", "err", err)
		os.Exit(1)
	}
	if len(services) == 0 {
		logger.Error("manifest declares no services")
		os.Exit(1)
	}
	entry := services[0]

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

	udp, err := transport.NewUDPEndpoint(netip.AddrPortFrom(interfaceAddr, entry.UDPPort), logger)
	if err != nil {
		logger.Error("opening UDP endpoint", "err", err)
		os.Exit(1)
	}
	defer udp.Close()
	go udp.Serve()

	builder := service.NewBuilder(entry.ServiceID, entry.MajorVersion, entry.MinorVersion)
	builder.WithMethod(0x0001, func(payload []byte) (bool, []byte, uint8) {
		return true, payload, 0
	})
	for _, eg := range entry.EventGroups {
		builder.WithEventGroup(eg.ID, eg.EventIDs...)
	}
	svc := builder.Build()

	inst := server.New(svc, server.Config{
		InstanceID:         entry.InstanceID,
		Address:            interfaceAddr,
		UDPPort:            entry.UDPPort,
		TCPPort:            entry.TCPPort,
		CyclicOfferDelay:   entry.CyclicOfferDelay,
		SubscriptionUpkeep: entry.CyclicOfferDelay,
	}, disc, udp, nil, logger)

	if err := inst.StartOffer(); err != nil {
		logger.Error("starting offer", "err", err)
		os.Exit(1)
	}
	logger.Info("offering service", "serviceID", entry.ServiceID, "instanceID", entry.InstanceID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := inst.StopOffer(); err != nil {
		logger.Warn("stopping offer", "err", err)
	}
}
