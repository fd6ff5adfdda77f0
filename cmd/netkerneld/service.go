package main

import (
	"context"
	"log"
	"time"

	"github.com/teachos/netkernel/kernel"
)

// perConnBufSize bounds each connection's slice of the shared
// simulated address space; connections are given disjoint regions
// keyed by file descriptor so concurrent echo loops never alias the
// same "user memory", mirroring distinct per-call buffer arguments a
// real process would pass instead of a fixed scratch address.
const perConnBufSize = 8192

// runEchoDaytimeService is the top-level kernel "workload": it opens a
// single listening socket through the syscall dispatch layer exactly
// as a user process would, then serves each accepted connection with
// an echo loop, run for real against the wired engine/socket/virtio
// stack instead of a test double.
func runEchoDaytimeService(ctx context.Context, k *kernel.Kernel, port int) error {
	const afInet, sockStream = 2, 1

	listenFD := k.Socket(afInet, sockStream, 0)
	if listenFD < 0 {
		log.Fatal("netkerneld: socket() failed")
	}

	if rc := k.Bind(listenFD, uint16(port)); rc != 0 {
		log.Fatalf("netkerneld: bind(%d) failed", port)
	}

	if rc := k.Listen(listenFD); rc != 0 {
		log.Fatal("netkerneld: listen() failed")
	}

	go func() {
		<-ctx.Done()
		k.Close(listenFD)
	}()

	for {
		connFD := k.Accept(listenFD)
		if connFD < 0 {
			select {
			case <-ctx.Done():
				return nil
			default:
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}

		go serveEcho(k, connFD)
	}
}

// serveEcho copies every byte a client sends straight back, the
// simplest possible exercise of the read/write syscall pair.
func serveEcho(k *kernel.Kernel, fd int) {
	defer k.Close(fd)

	bufAddr := uint64(fd) * perConnBufSize

	for {
		n := k.Read(fd, bufAddr, perConnBufSize)
		if n <= 0 {
			return
		}

		if k.Write(fd, bufAddr, n) < 0 {
			return
		}
	}
}
