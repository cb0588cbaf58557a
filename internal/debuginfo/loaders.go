package debuginfo

import (
	"bufio"
	"bytes"
	"debug/elf"
	"debug/pe"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrUnsupportedFormat is returned by Open for files it cannot parse.
var ErrUnsupportedFormat = errors.New("debuginfo: unsupported format")

const (
	peFunctionType = 0x20
)

// Open detects the format of the file at path and loads its functions.
// ELF and PE symbol tables are supported, as well as symbol map text files
// with one "RVA SIZE NAME" line per function, hexadecimal numbers.
func Open(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	magic := make([]byte, 4)
	n, err := io.ReadFull(f, magic)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	magic = magic[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	switch {
	case bytes.Equal(magic, []byte(elf.ELFMAG)):
		return LoadELF(f)
	case bytes.HasPrefix(magic, []byte("MZ")):
		return LoadPE(f)
	}
	return LoadSymbolMap(f)
}

// LoadELF reads the function symbols of an ELF file. Addresses are made
// relative to the lowest loadable segment.
func LoadELF(r io.ReaderAt) (*Table, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("debuginfo: parse elf: %w", err)
	}
	defer f.Close()

	var base uint64
	found := false
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		vaddr := p.Vaddr
		if p.Align > 1 {
			vaddr &^= p.Align - 1
		}
		if !found || vaddr < base {
			base = vaddr
			found = true
		}
	}

	symbols, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("debuginfo: read elf symbols: %w", err)
	}
	dynamic, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("debuginfo: read elf dynamic symbols: %w", err)
	}

	seen := make(map[uint64]bool)
	var functions []FunctionDebugInfo
	for _, s := range append(symbols, dynamic...) {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value < base || s.Section == elf.SHN_UNDEF {
			continue
		}
		rva := s.Value - base
		if seen[rva] {
			continue
		}
		seen[rva] = true
		functions = append(functions, FunctionDebugInfo{Name: s.Name, RVA: rva, Size: s.Size})
	}
	fillSizes(functions, 0)
	return NewTable(functions), nil
}

// LoadPE reads the COFF function symbols of a PE file.
func LoadPE(r io.ReaderAt) (*Table, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("debuginfo: parse pe: %w", err)
	}
	defer f.Close()

	var functions []FunctionDebugInfo
	var imageEnd uint64
	for _, s := range f.Sections {
		if end := uint64(s.VirtualAddress) + uint64(s.VirtualSize); end > imageEnd {
			imageEnd = end
		}
	}
	for _, s := range f.Symbols {
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.Sections) || s.Type != peFunctionType {
			continue
		}
		section := f.Sections[s.SectionNumber-1]
		functions = append(functions, FunctionDebugInfo{
			Name: s.Name,
			RVA:  uint64(section.VirtualAddress) + uint64(s.Value),
		})
	}
	fillSizes(functions, imageEnd)
	return NewTable(functions), nil
}

// LoadSymbolMap reads "RVA SIZE NAME" lines. Blank lines and lines
// starting with # are skipped.
func LoadSymbolMap(r io.Reader) (*Table, error) {
	var functions []FunctionDebugInfo
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.SplitN(text, " ", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: line %d: expected 3 fields", ErrUnsupportedFormat, line)
		}
		rva, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrUnsupportedFormat, line, err)
		}
		size, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrUnsupportedFormat, line, err)
		}
		functions = append(functions, FunctionDebugInfo{
			Name: strings.TrimSpace(fields[2]),
			RVA:  rva,
			Size: size,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return NewTable(functions), nil
}
