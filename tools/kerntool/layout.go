package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"

	"github.com/mansoormemon/asmos/kernel/bootinfo"
)

var (
	errInvertedRegion = errors.New("region end precedes region begin")
	errImageOverlap   = errors.New("kernel image overlaps the reserved region")
)

// namedRegion is a region resolved from a pair of linker symbols.
type namedRegion struct {
	Name   string
	Region bootinfo.Region
}

// layoutReport is the TOML document emitted by "layout -format=toml".
// Addresses are rendered as hex strings as kernel addresses do not fit in a
// TOML integer.
type layoutReport struct {
	Regions map[string]layoutEntry `toml:"regions"`
}

type layoutEntry struct {
	Begin string `toml:"begin"`
	End   string `toml:"end"`
	Size  uint64 `toml:"size"`
}

// Layout implements subcommands.Command for the "layout" command. It resolves
// the regions delimited by the linker symbols of a kernel image and applies
// the same checks that the kernel runs at boot.
type Layout struct {
	image  string
	format string
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print and check the memory layout of a kernel image"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [-image file] [-format table|toml]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.image, "image", "", "kernel image to inspect; defaults to the configured image.")
	f.StringVar(&l.format, "format", "table", "output format: table or toml.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := configFrom(args)

	imgFile := l.image
	if imgFile == "" {
		imgFile = conf.Image
	}

	symbols, err := readSymbols(imgFile)
	if err != nil {
		log.WithError(err).Error("reading kernel symbols")
		return subcommands.ExitFailure
	}

	regions, err := resolveRegions(symbols, conf.Symbols)
	if err != nil {
		log.WithError(err).WithField("image", imgFile).Error("resolving regions")
		return subcommands.ExitFailure
	}

	switch l.format {
	case "table":
		err = writeLayoutTable(os.Stdout, regions)
	case "toml":
		err = writeLayoutTOML(os.Stdout, regions)
	default:
		log.Errorf("unknown output format %q", l.format)
		return subcommands.ExitUsageError
	}
	if err != nil {
		log.WithError(err).Error("writing layout")
		return subcommands.ExitFailure
	}

	if err = checkRegions(regions); err != nil {
		log.WithError(err).WithField("image", imgFile).Error("layout check failed")
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

// resolveRegions looks up the begin and end symbol of every configured region.
// The result is sorted by name.
func resolveRegions(symbols map[string]uint64, pairs map[string]SymbolPair) ([]namedRegion, error) {
	regions := make([]namedRegion, 0, len(pairs))
	for name, pair := range pairs {
		begin, ok := symbols[pair.Begin]
		if !ok {
			return nil, fmt.Errorf("region %s: missing symbol %s", name, pair.Begin)
		}

		end, ok := symbols[pair.End]
		if !ok {
			return nil, fmt.Errorf("region %s: missing symbol %s", name, pair.End)
		}

		regions = append(regions, namedRegion{
			Name:   name,
			Region: bootinfo.Region{Begin: uintptr(begin), End: uintptr(end)},
		})
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].Name < regions[j].Name })
	return regions, nil
}

// checkRegions reports the first inverted region or an overlap between the
// "image" and "reserved" regions.
func checkRegions(regions []namedRegion) error {
	var image, reserved bootinfo.Region
	for _, r := range regions {
		if !r.Region.Valid() {
			return fmt.Errorf("%s: %w", r.Name, errInvertedRegion)
		}

		switch r.Name {
		case "image":
			image = r.Region
		case "reserved":
			reserved = r.Region
		}
	}

	if image.Overlaps(reserved) {
		return errImageOverlap
	}

	return nil
}

func writeLayoutTable(w io.Writer, regions []namedRegion) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tBEGIN\tEND\tSIZE")
	for _, r := range regions {
		fmt.Fprintf(tw, "%s\t%#016x\t%#016x\t%d\n", r.Name, r.Region.Begin, r.Region.End, r.Region.Size())
	}
	return tw.Flush()
}

func writeLayoutTOML(w io.Writer, regions []namedRegion) error {
	report := layoutReport{Regions: make(map[string]layoutEntry, len(regions))}
	for _, r := range regions {
		report.Regions[r.Name] = layoutEntry{
			Begin: fmt.Sprintf("%#x", r.Region.Begin),
			End:   fmt.Sprintf("%#x", r.Region.End),
			Size:  uint64(r.Region.Size()),
		}
	}
	return toml.NewEncoder(w).Encode(report)
}
