// Package flag parses netkerneld's command line, in the same flat,
// stdlib flag.FlagSet style the original boot/probe subcommands used —
// no CLI framework, one FlagSet per subcommand.
package flag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	goflag "flag"
)

var ErrorInvalidSubcommands = errors.New("expected 'serve' or 'probe' subcommands")

// ServeArgs configures one run of the network kernel: the local IPv4
// address and MAC the virtio-net NIC answers on, where DNS queries go,
// and how much simulated user memory the syscall layer's address
// space backs onto.
type ServeArgs struct {
	LocalAddr  string
	MAC        string
	DNSServer  string
	Loopback   bool
	MemSize    int
	ListenPort int
}

func parseServeArgs(args []string) (*ServeArgs, error) {
	serveCmd := goflag.NewFlagSet("serve subcommand", goflag.ExitOnError)
	c := &ServeArgs{}

	serveCmd.StringVar(&c.LocalAddr, "a", "10.0.2.15", "local IPv4 address for the virtio-net NIC")
	serveCmd.StringVar(&c.MAC, "mac", "52:54:00:12:34:56", "MAC address to advertise in virtio config space")
	serveCmd.StringVar(&c.DNSServer, "dns", "", "resolver server, host:port (default 8.8.8.8:53)")
	serveCmd.BoolVar(&c.Loopback, "loopback", false, "use the simulated device's loopback NIC (both modes run against the in-process simulated device)")
	serveCmd.IntVar(&c.ListenPort, "p", 7, "TCP port the kernel's echo service listens on")

	msize := serveCmd.String("m", "16M", "simulated user address space size: as number[gGmMkK]")

	if err := serveCmd.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if c.MemSize, err = ParseSize(*msize, "m"); err != nil {
		return nil, err
	}

	return c, nil
}

// ProbeArgs requests a one-shot report of the virtio-net contract
// constants this driver was built against, with no device required —
// the teaching-kernel analogue of the original's KVM capability probe.
type ProbeArgs struct{}

func parseProbeArgs(args []string) (*ProbeArgs, error) {
	probeCmd := goflag.NewFlagSet("probe subcommand", goflag.ExitOnError)
	c := &ProbeArgs{}

	if err := probeCmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// ParseArgs dispatches os.Args (or an equivalent slice) to the serve
// or probe subcommand.
func ParseArgs(args []string) (*ServeArgs, *ProbeArgs, error) {
	if len(args) < 2 {
		return nil, nil, ErrorInvalidSubcommands
	}

	switch args[1] {
	case "serve":
		conf, err := parseServeArgs(args[2:])

		return conf, nil, err

	case "probe":
		conf, err := parseProbeArgs(args[2:])

		return nil, conf, err
	}

	return nil, nil, ErrorInvalidSubcommands
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
