/*
Netsyncd runs the synchronization core of one peer with a scripted
avatar. Other peers are reached over the virtual LAN overlay.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"

	"github.com/lanfps/netsync"
)

func main() {
	path := flag.String("config", "config/netsyncd.yml", "configuration file")
	flag.Parse()

	cfg, err := netsync.LoadConfig(*path)
	if err != nil {
		logrus.Fatal(err)
	}

	logger, err := netsync.SetupLogging(cfg)
	if err != nil {
		logrus.Fatal(err)
	}
	defer logger.Close()

	host, err := listenAddr(cfg)
	if err != nil {
		logrus.Fatal(err)
	}

	pc, err := net.ListenPacket("udp", host)
	if err != nil {
		logrus.Fatal(err)
	}
	defer pc.Close()

	logrus.Info("Listening on " + host)

	node, err := netsync.NewNode(cfg, netsync.EntitySnapshot{
		Health: 100,
		Weapon: netsync.WeaponState{Type: netsync.WeaponRifle, Ammo: 30},
	})
	if err != nil {
		logrus.Fatal(err)
	}

	node.OnPeerJoined(func(id netsync.PeerID) {
		logrus.WithField("peer", id).Info("peer joined")
	})
	node.OnPeerLeft(func(id netsync.PeerID, reason netsync.LeaveReason) {
		logrus.WithField("peer", id).Info("peer left: ", reason)
	})

	l := netsync.Listen(pc)
	go func() {
		for {
			link, err := l.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logrus.Print(err)
				continue
			}

			logrus.Print(link.Addr(), " connected")
			node.Accept(link)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// the lower id dials so two peers never open two links to each other
	for _, p := range cfg.Peers {
		if p.ID < cfg.LocalPeer {
			continue
		}

		link, err := netsync.DialRUDP(ctx, p.Address)
		if err != nil {
			logrus.Print(err)
			continue
		}
		if err := node.Dial(p.ID, link); err != nil {
			logrus.Print(err)
			link.Close()
		}
	}

	err = node.Run(ctx, netsync.InputFunc(circle))
	if err != nil && !errors.Is(err, context.Canceled) {
		logrus.Error(err)
	}

	logrus.Print("Caught SIGINT or SIGTERM, shutting down")
	node.Close()

	st := node.Stats()
	logrus.WithFields(logrus.Fields{
		"uptime":    st.Uptime.Round(time.Second),
		"malformed": st.Malformed,
		"stale":     st.Stale,
		"resent":    st.Resent,
		"resyncs":   st.Resyncs,
	}).Info("stopped")
}

// listenAddr binds to the overlay address unless a host is configured
func listenAddr(cfg netsync.Config) (string, error) {
	host, port, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return "", err
	}
	if port == "" {
		port = strconv.Itoa(netsync.DefaultPort)
	}
	if host != "" {
		return net.JoinHostPort(host, port), nil
	}

	ip, err := netsync.OverlayAddr(cfg.OverlayPrefix)
	if err != nil {
		logrus.WithError(err).Warn("binding to all interfaces")
		return net.JoinHostPort("", port), nil
	}

	return net.JoinHostPort(ip.String(), port), nil
}

// circle walks forward while turning, firing every second
func circle(tick netsync.Tick) netsync.InputCommand {
	cmd := netsync.InputCommand{
		Movement:  mgl32.Vec2{0, 1},
		LookDelta: mgl32.Vec2{float32(math.Sin(float64(tick) / 120)), 0},
	}
	switch {
	case tick%600 == 0:
		cmd.Actions |= netsync.ActionReload
	case tick%60 == 0:
		cmd.Actions |= netsync.ActionFire
	}

	return cmd
}
