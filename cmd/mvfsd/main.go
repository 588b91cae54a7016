// The mvfsd binary runs the virtual file system broker: it registers the
// well-known "VFS" name with the kernel message-passing primitive, then
// drives the single dispatcher loop until killed.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"github.com/MasterMochi/mvfsd/pkg/broker"
	"github.com/MasterMochi/mvfsd/pkg/fdstate"
	"github.com/MasterMochi/mvfsd/pkg/kernel"
	"github.com/MasterMochi/mvfsd/pkg/kernel/grpcbus"
)

var (
	listenAddr = flag.String("listen", ":4242", "address to run the grpcbus Router on")
	dialAddr   = flag.String("dial", "", "grpcbus Router address to join as a client task, instead of running one on -listen")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lshortfile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := mustConn(ctx)
	defer conn.Close()

	b := broker.New(conn, log.Default())
	if err := b.Register(); err != nil {
		log.Fatalf("mvfsd: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for sig := range sigc {
			if sig == syscall.SIGUSR1 {
				dumpSnapshot(b)
				continue
			}
			log.Printf("mvfsd: received %s, shutting down", sig)
			cancel()
			return
		}
	}()

	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("mvfsd: %v", err)
	}
}

func dumpSnapshot(b *broker.Broker) {
	snap := b.DebugSnapshot()
	log.Printf("debug snapshot: %d fds, %d tasks", len(snap.FDs), len(snap.Tasks))
	for _, e := range snap.FDs {
		log.Printf("  fd=%d owner=%d state=%s", e.GlobalFD, e.Owner, fdstate.Name(e.Machine.State()))
	}
	for _, e := range snap.Tasks {
		log.Printf("  task=%d state=%s reads=%v writes=%v", e.Task, e.State(), e.ReadWatch, e.WriteWatch)
	}
}

// mustConn brings up a kernel.Conn for the broker to run against: either a
// grpcbus Router listening on -listen, with the broker dialing itself as
// the Router's first client task, or a Conn dialed against a Router
// already running elsewhere via -dial.
func mustConn(ctx context.Context) kernel.Conn {
	if *dialAddr != "" {
		c, err := grpcbus.Dial(ctx, *dialAddr)
		if err != nil {
			log.Fatalf("mvfsd: dial %s: %v", *dialAddr, err)
		}
		return c
	}

	lis, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("mvfsd: listen %s: %v", *listenAddr, err)
	}
	srv := grpc.NewServer()
	grpcbus.NewRouter().Register(srv)
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Printf("mvfsd: grpcbus server: %v", err)
		}
	}()

	c, err := grpcbus.Dial(ctx, lis.Addr().String())
	if err != nil {
		log.Fatalf("mvfsd: dial own router at %s: %v", lis.Addr(), err)
	}
	return c
}
