package keyviz

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/keyviz/keyviz/internal/protocol"
)

type sendOptions struct {
	network string
	address string
	delay   time.Duration
	strict  bool
}

// runSend implements `keyviz send`, which writes status lines to a running
// instance the way the remapper would. Lines come from the arguments, or
// from stdin when none are given.
func runSend(args []string, stdin io.Reader, stderr io.Writer) int {
	var opts sendOptions
	flagSet := pflag.NewFlagSet("keyviz send", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.network, "network", "tcp", "network of the running instance, tcp or udp")
	flagSet.StringVar(&opts.address, "address", defaultListenAddress, "address of the running instance")
	flagSet.DurationVar(&opts.delay, "delay", 0, "pause between lines")
	flagSet.BoolVar(&opts.strict, "strict", false, "refuse lines the tracker would not recognize")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	lines := flagSet.Args()
	if len(lines) == 0 {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			fmt.Fprintf(stderr, "error: reading stdin: %v\n", err)
			return 1
		}
	}

	if err := sendLines(opts, lines, stderr); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// canonicalLines normalizes every line to its canonical form. Unrecognized
// lines are passed through unless strict is set.
func canonicalLines(lines []string, strict bool, stderr io.Writer) ([]string, error) {
	out := make([]string, 0, len(lines))
	for _, raw := range lines {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ev := protocol.Parse(raw)
		if _, ok := ev.(protocol.Unrecognized); ok {
			if strict {
				return nil, fmt.Errorf("unrecognized line %q", raw)
			}
			fmt.Fprintf(stderr, "warning: sending unrecognized line %q\n", raw)
		}
		out = append(out, protocol.Format(ev))
	}
	return out, nil
}

func sendLines(opts sendOptions, lines []string, stderr io.Writer) error {
	lines, err := canonicalLines(lines, opts.strict, stderr)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}

	conn, err := net.DialTimeout(opts.network, opts.address, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to keyviz: %w", err)
	}
	defer conn.Close()

	for i, line := range lines {
		if i > 0 && opts.delay > 0 {
			time.Sleep(opts.delay)
		}
		// Each UDP datagram carries exactly one line.
		if _, err := io.WriteString(conn, line+"\n"); err != nil {
			return fmt.Errorf("writing %q: %w", line, err)
		}
	}
	return nil
}
