package main

import (
	"bufio"
	"context"
	"debug/elf"
	"encoding/binary"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"
)

// redirectSection is the ELF section that the rt0 code reads the redirect
// table from.
const redirectSection = ".goredirectstbl"

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

// Redirects implements subcommands.Command for the "redirects" command. It
// collects the go:redirect-from annotations of the kernel sources and either
// counts them or patches the redirect table of a linked kernel image.
type Redirects struct {
	image string
}

// Name implements subcommands.Command.Name.
func (*Redirects) Name() string {
	return "redirects"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Redirects) Synopsis() string {
	return "count or populate the runtime redirect table"
}

// Usage implements subcommands.Command.Usage.
func (*Redirects) Usage() string {
	return `redirects [flags] count|populate-table
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Redirects) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.image, "image", "", "kernel image to patch; defaults to the configured image.")
}

// Execute implements subcommands.Command.Execute.
func (r *Redirects) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := configFrom(args)

	modulePath, err := readModulePath("go.mod")
	if err != nil {
		log.WithError(err).Error("this tool must be run from the module root folder")
		return subcommands.ExitFailure
	}

	goFiles, err := collectGoFiles(conf.KernelRoot)
	if err != nil {
		log.WithError(err).Error("collecting kernel sources")
		return subcommands.ExitFailure
	}

	redirects, err := findRedirects(modulePath, goFiles)
	if err != nil {
		log.WithError(err).Error("parsing redirect annotations")
		return subcommands.ExitFailure
	}

	switch cmd := f.Arg(0); cmd {
	case "count":
		fmt.Printf("%d", len(redirects))
		return subcommands.ExitSuccess
	case "populate-table":
	default:
		log.Errorf("unknown command %q", cmd)
		return subcommands.ExitUsageError
	}

	imgFile := r.image
	if imgFile == "" {
		imgFile = conf.Image
	}

	if err = elfResolveRedirectSymbols(redirects, imgFile); err != nil {
		log.WithError(err).Error("resolving redirect symbols")
		return subcommands.ExitFailure
	}

	if err = elfWriteRedirectTable(redirects, imgFile); err != nil {
		log.WithError(err).Error("writing redirect table")
		return subcommands.ExitFailure
	}

	for _, redirect := range redirects {
		log.WithFields(log.Fields{
			"src": fmt.Sprintf("%s@%#x", redirect.src, redirect.srcVMA),
			"dst": fmt.Sprintf("%s@%#x", redirect.dst, redirect.dstVMA),
		}).Debug("redirect installed")
	}
	log.Infof("%s: populated %d redirects", imgFile, len(redirects))
	return subcommands.ExitSuccess
}

// readModulePath returns the module path declared in the go.mod file at path.
func readModulePath(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "module" {
			return strings.Trim(fields[1], `"`), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	return "", fmt.Errorf("%s: missing module directive", path)
}

func collectGoFiles(root string) ([]string, error) {
	var goFiles []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

func findRedirects(modulePath string, goFiles []string) ([]*redirect, error) {
	var redirects []*redirect

	for _, goFile := range goFiles {
		fset := token.NewFileSet()

		f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", goFile, err)
		}

		pkgDir := filepath.ToSlash(filepath.Dir(filepath.Clean(goFile)))
		for _, decl := range f.Decls {
			fnDecl, ok := decl.(*ast.FuncDecl)
			if !ok || fnDecl.Doc == nil {
				continue
			}

			for _, comment := range fnDecl.Doc.List {
				if !strings.HasPrefix(comment.Text, "//go:redirect-from") {
					continue
				}

				// build qualified name to fn
				fqName := fmt.Sprintf("%s/%s.%s", modulePath, pkgDir, fnDecl.Name)

				fields := strings.Fields(comment.Text)
				if len(fields) != 2 || fields[0] != "//go:redirect-from" {
					return nil, fmt.Errorf("malformed go:redirect-from syntax for %q", fqName)
				}

				redirects = append(redirects, &redirect{
					src: fields[1],
					dst: fqName,
				})
			}
		}
	}

	// The table layout must not depend on the directory walk order.
	sort.Slice(redirects, func(i, j int) bool { return redirects[i].src < redirects[j].src })
	return redirects, nil
}

func elfRedirectTableOffset(imgFile string) (uint64, error) {
	f, err := elf.Open(imgFile)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	redirectsSection := f.Section(redirectSection)
	if redirectsSection == nil {
		return 0, fmt.Errorf("%s: missing %s section", imgFile, redirectSection)
	}

	return redirectsSection.Offset, nil
}

func elfWriteRedirectTable(redirects []*redirect, imgFile string) error {
	redirectTableOffset, err := elfRedirectTableOffset(imgFile)
	if err != nil {
		return err
	}

	// Open kernel image file and seek to table offset
	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.Seek(int64(redirectTableOffset), io.SeekStart); err != nil {
		return err
	}

	for _, redirect := range redirects {
		if err := binary.Write(f, binary.LittleEndian, [2]uint64{redirect.srcVMA, redirect.dstVMA}); err != nil {
			return err
		}
	}

	return nil
}

func elfResolveRedirectSymbols(redirects []*redirect, imgFile string) error {
	symbols, err := readSymbols(imgFile)
	if err != nil {
		return err
	}

	for _, redirect := range redirects {
		redirect.srcVMA = symbols[redirect.src]
		redirect.dstVMA = symbols[redirect.dst]

		switch {
		case redirect.srcVMA == 0:
			return fmt.Errorf("%s: could not locate address of %q", imgFile, redirect.src)
		case redirect.dstVMA == 0:
			return fmt.Errorf("%s: could not locate address of %q", imgFile, redirect.dst)
		}
	}

	return nil
}

// readSymbols returns the values of the symbols defined in imgFile keyed by
// name.
func readSymbols(imgFile string) (map[string]uint64, error) {
	f, err := elf.Open(imgFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", imgFile, err)
	}

	values := make(map[string]uint64, len(symbols))
	for _, symbol := range symbols {
		values[symbol.Name] = symbol.Value
	}

	return values, nil
}
