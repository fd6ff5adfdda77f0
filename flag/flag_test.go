package flag_test

import (
	"errors"
	"strconv"
	"testing"

	"github.com/teachos/netkernel/flag"
)

func TestParsesize(t *testing.T) { // nolint:paralleltest
	for _, tt := range []struct {
		name string
		unit string
		m    string
		amt  int
		err  error
	}{
		{name: "badsuffix", m: "1T", amt: -1, err: strconv.ErrSyntax},
		{name: "1G", m: "1G", amt: 1 << 30, err: nil},
		{name: "1g", m: "1g", amt: 1 << 30, err: nil},
		{name: "1M", m: "1M", amt: 1 << 20, err: nil},
		{name: "1m", m: "1m", amt: 1 << 20, err: nil},
		{name: "1K", m: "1K", amt: 1 << 10, err: nil},
		{name: "1k", m: "1k", amt: 1 << 10, err: nil},
		{name: "1 with unit k", m: "1", unit: "k", amt: 1 << 10, err: nil},
		{name: "1 with unit \"\"", m: "1", unit: "", amt: 1, err: nil},
		{name: "8192m", m: "8192m", amt: 8192 << 20, err: nil},
		{name: "bogusgarbage", m: "123411;3413234134", amt: -1, err: strconv.ErrSyntax},
		{name: "bogusgarbagemsuffix", m: "123411;3413234134m", amt: -1, err: strconv.ErrSyntax},
		{name: "bogustoobig", m: "0xfffffffffffffffffffffff", amt: -1, err: strconv.ErrRange},
	} {
		amt, err := flag.ParseSize(tt.m, tt.unit)
		if !errors.Is(err, tt.err) || amt != tt.amt {
			t.Errorf("%s:ParseSize(%s): got (%d, %v), want (%d, %v)", tt.name, tt.m, amt, err, tt.amt, tt.err)
		}
	}
}

func TestParseArgsDispatchesServe(t *testing.T) {
	t.Parallel()

	serve, probe, err := flag.ParseArgs([]string{"netkerneld", "serve", "-a", "10.0.2.16", "-p", "23", "-m", "4M"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if probe != nil {
		t.Fatalf("expected nil ProbeArgs for serve subcommand")
	}

	if serve.LocalAddr != "10.0.2.16" {
		t.Fatalf("expected LocalAddr 10.0.2.16, got %q", serve.LocalAddr)
	}

	if serve.ListenPort != 23 {
		t.Fatalf("expected port 23, got %d", serve.ListenPort)
	}

	if serve.MemSize != 4<<20 {
		t.Fatalf("expected 4M, got %d", serve.MemSize)
	}
}

func TestParseArgsDispatchesProbe(t *testing.T) {
	t.Parallel()

	serve, probe, err := flag.ParseArgs([]string{"netkerneld", "probe"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if serve != nil {
		t.Fatalf("expected nil ServeArgs for probe subcommand")
	}

	if probe == nil {
		t.Fatalf("expected non-nil ProbeArgs")
	}
}

func TestParseArgsRejectsUnknownSubcommand(t *testing.T) {
	t.Parallel()

	if _, _, err := flag.ParseArgs([]string{"netkerneld", "bogus"}); !errors.Is(err, flag.ErrorInvalidSubcommands) {
		t.Fatalf("expected ErrorInvalidSubcommands, got %v", err)
	}
}
