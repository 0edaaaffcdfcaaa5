package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mansoormemon/asmos/kernel/kmain"
)

const (
	haltBanner = "*** kernel panic: system halted ***"

	breakpointMarker  = "(#BP, 0x03)"
	doubleFaultMarker = "(#DF, 0x08)"

	// isolatedStackMarker is printed by the double fault handler when its
	// frame lies inside the dedicated interrupt stack.
	isolatedStackMarker = "isolated stack: true"

	// settleDelay is how long the runner keeps reading after the
	// completion marker so that unexpected trailing output is caught.
	settleDelay = 500 * time.Millisecond
)

var (
	ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*m")

	errUnknownKind = errors.New("unknown self-test; expected breakpoint or doublefault")
)

// selfTestKind selects the exception raised by the kernel at the end of the
// boot sequence.
type selfTestKind string

const (
	breakpointTest  selfTestKind = "breakpoint"
	doubleFaultTest selfTestKind = "doublefault"
)

// complete returns true once log contains the line that ends the test run.
func (k selfTestKind) complete(log []byte) bool {
	switch k {
	case breakpointTest:
		return bytes.Contains(log, []byte(kmain.SelfTestSentinel))
	case doubleFaultTest:
		return bytes.Contains(log, []byte(haltBanner))
	}
	return false
}

// SelfTest implements subcommands.Command for the "selftest" command. It
// boots a self-test image under QEMU, captures the serial console and checks
// the output of the requested exception path.
type SelfTest struct {
	iso     string
	logFile string
}

// Name implements subcommands.Command.Name.
func (*SelfTest) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*SelfTest) Synopsis() string {
	return "boot a self-test image in QEMU and check its serial output"
}

// Usage implements subcommands.Command.Usage.
func (*SelfTest) Usage() string {
	return `selftest [-iso file] [-log file] breakpoint|doublefault
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *SelfTest) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.iso, "iso", "", "image to boot; defaults to the configured self-test image.")
	f.StringVar(&s.logFile, "log", "", "evaluate a previously captured serial log instead of running QEMU.")
}

// Execute implements subcommands.Command.Execute.
func (s *SelfTest) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := configFrom(args)

	kind := selfTestKind(f.Arg(0))
	if kind != breakpointTest && kind != doubleFaultTest {
		log.WithError(errUnknownKind).WithField("kind", kind).Error("invalid arguments")
		return subcommands.ExitUsageError
	}

	var (
		serialLog []byte
		err       error
	)

	if s.logFile != "" {
		if serialLog, err = os.ReadFile(s.logFile); err != nil {
			log.WithError(err).Error("reading serial log")
			return subcommands.ExitFailure
		}
	} else {
		iso := s.iso
		if iso == "" {
			iso = fmt.Sprintf(conf.SelfTestISO, kind)
		}

		log.WithFields(log.Fields{"kind": kind, "iso": iso}).Info("booting self-test image")
		serialLog, err = runQEMU(ctx, &conf.QEMU, iso, kind)
		if err != nil {
			log.WithError(err).Warn("QEMU run did not complete cleanly")
		}
		log.WithField("bytes", len(serialLog)).Debug("serial log captured")
	}

	if err = evaluate(kind, serialLog); err != nil {
		log.WithError(err).WithField("kind", kind).Error("self-test failed")
		return subcommands.ExitFailure
	}

	log.WithField("kind", kind).Info("self-test passed")
	return subcommands.ExitSuccess
}

// runQEMU boots iso and returns everything the kernel wrote to the serial
// port. The emulator is stopped shortly after the completion marker of kind
// appears, when it exits on its own or when the configured timeout expires.
func runQEMU(ctx context.Context, conf *QEMUConfig, iso string, kind selfTestKind) ([]byte, error) {
	if conf.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.Timeout.Duration)
		defer cancel()
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	qemuArgs := append(append([]string(nil), conf.Args...), "-cdrom", iso)
	cmd := exec.CommandContext(runCtx, conf.Binary, qemuArgs...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", conf.Binary, err)
	}

	var (
		out      bytes.Buffer
		finished = make(chan struct{})
		eof      = make(chan struct{})
	)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(eof)

		signalled := false
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			out.Write(scanner.Bytes())
			out.WriteByte('\n')

			if !signalled && kind.complete(out.Bytes()) {
				close(finished)
				signalled = true
			}
		}

		if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("reading serial output: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer stop()

		select {
		case <-finished:
			select {
			case <-time.After(settleDelay):
			case <-eof:
			case <-gctx.Done():
			}
		case <-eof:
		case <-gctx.Done():
		}
		return nil
	})

	groupErr := g.Wait()
	waitErr := cmd.Wait()

	switch {
	case groupErr != nil:
		return out.Bytes(), groupErr
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return out.Bytes(), fmt.Errorf("timed out after %s", conf.Timeout.Duration)
	case runCtx.Err() != nil:
		// QEMU was killed on purpose.
		return out.Bytes(), nil
	}

	return out.Bytes(), waitErr
}

// evaluate checks the serial log of a self-test run.
func evaluate(kind selfTestKind, serialLog []byte) error {
	lines := strings.Split(ansiEscape.ReplaceAllString(string(serialLog), ""), "\n")

	switch kind {
	case breakpointTest:
		return evaluateBreakpoint(lines)
	case doubleFaultTest:
		return evaluateDoubleFault(lines)
	}

	return errUnknownKind
}

// evaluateBreakpoint requires exactly one breakpoint diagnostic followed by
// the line that the kernel prints after the breakpoint handler returns.
func evaluateBreakpoint(lines []string) error {
	bpLine, err := findSingle(lines, breakpointMarker)
	if err != nil {
		return err
	}

	sentinelLine := indexOf(lines, kmain.SelfTestSentinel, bpLine+1)
	switch {
	case sentinelLine == -1:
		return fmt.Errorf("execution did not resume after the breakpoint (missing %q)", kmain.SelfTestSentinel)
	case indexOf(lines, haltBanner, 0) != -1:
		return errors.New("kernel panicked during the breakpoint self-test")
	}

	return nil
}

// evaluateDoubleFault requires exactly one double fault diagnostic carrying
// an error code, a report that the handler ran on the isolated stack, the halt
// banner and nothing but the banner trailer afterwards.
func evaluateDoubleFault(lines []string) error {
	dfLine, err := findSingle(lines, doubleFaultMarker)
	if err != nil {
		return err
	}

	if !strings.Contains(lines[dfLine], "E=0x") {
		return fmt.Errorf("double fault diagnostic lacks an error code: %q", lines[dfLine])
	}

	haltLine := indexOf(lines, haltBanner, dfLine+1)
	if haltLine == -1 {
		return errors.New("kernel did not halt after the double fault")
	}

	if indexOf(lines[:haltLine], isolatedStackMarker, dfLine+1) == -1 {
		return errors.New("double fault handler did not run on the isolated stack")
	}

	for _, line := range lines[haltLine+1:] {
		line = strings.TrimSpace(line)
		if line == "" || strings.Trim(line, "-") == "" {
			continue
		}
		return fmt.Errorf("unexpected output after halt: %q", line)
	}

	return nil
}

// findSingle returns the index of the only line containing marker.
func findSingle(lines []string, marker string) (int, error) {
	found := -1
	for i, line := range lines {
		if !strings.Contains(line, marker) {
			continue
		}

		if found != -1 {
			return -1, fmt.Errorf("%s reported more than once", marker)
		}
		found = i
	}

	if found == -1 {
		return -1, fmt.Errorf("%s not reported", marker)
	}
	return found, nil
}

func indexOf(lines []string, substr string, from int) int {
	for i := from; i < len(lines); i++ {
		if strings.Contains(lines[i], substr) {
			return i
		}
	}
	return -1
}
