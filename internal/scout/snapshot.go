// Package scout captures the memory map, environment and auxiliary vector
// of a process at the instant its image has been loaded, before the first
// instruction of the program runs.
package scout

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unsafe"
)

// Region is one line of /proc/<pid>/maps.
type Region struct {
	Start  uint64 `json:"start"`
	End    uint64 `json:"end"`
	Perms  string `json:"perms"`
	Offset uint64 `json:"offset"`
	Dev    string `json:"dev"`
	Inode  uint64 `json:"inode"`
	Path   string `json:"path,omitempty"`
}

// Size returns the length of the region in bytes.
func (r Region) Size() uint64 { return r.End - r.Start }

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint64) bool { return addr >= r.Start && addr < r.End }

// Executable reports whether the region is mapped executable.
func (r Region) Executable() bool { return len(r.Perms) > 2 && r.Perms[2] == 'x' }

// EnvVar is one environment entry exactly as passed to execve.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AuxEntry is one (key, value) pair of the auxiliary vector.
type AuxEntry struct {
	Key   uint64 `json:"key"`
	Value uint64 `json:"value"`
}

// Name returns the AT_* name of the entry's key.
func (a AuxEntry) Name() string {
	if n, ok := auxNames[a.Key]; ok {
		return n
	}
	return "AT_" + strconv.FormatUint(a.Key, 10)
}

// Auxiliary vector keys used by quiver.
const (
	AtNull   = 0
	AtPhdr   = 3
	AtBase   = 7
	AtEntry  = 9
	AtExecFn = 31
)

var auxNames = map[uint64]string{
	0: "AT_NULL", 1: "AT_IGNORE", 2: "AT_EXECFD", 3: "AT_PHDR", 4: "AT_PHENT",
	5: "AT_PHNUM", 6: "AT_PAGESZ", 7: "AT_BASE", 8: "AT_FLAGS", 9: "AT_ENTRY",
	10: "AT_NOTELF", 11: "AT_UID", 12: "AT_EUID", 13: "AT_GID", 14: "AT_EGID",
	15: "AT_PLATFORM", 16: "AT_HWCAP", 17: "AT_CLKTCK", 23: "AT_SECURE",
	24: "AT_BASE_PLATFORM", 25: "AT_RANDOM", 26: "AT_HWCAP2", 31: "AT_EXECFN",
	33: "AT_SYSINFO_EHDR", 51: "AT_MINSIGSTKSZ",
}

// Snapshot is the frozen observation of a paused process.
type Snapshot struct {
	PID        int        `json:"pid"`
	CapturedAt time.Time  `json:"captured_at"`
	Maps       []Region   `json:"maps"`
	Environ    []EnvVar   `json:"environ"`
	Auxv       []AuxEntry `json:"auxv"`
}

// Aux returns the value of the first auxv entry with key.
func (s *Snapshot) Aux(key uint64) (uint64, bool) {
	for _, e := range s.Auxv {
		if e.Key == key {
			return e.Value, true
		}
	}
	return 0, false
}

// Entry returns the program entrypoint (AT_ENTRY).
func (s *Snapshot) Entry() (uint64, bool) {
	return s.Aux(AtEntry)
}

// RegionContaining returns the mapped region holding addr.
func (s *Snapshot) RegionContaining(addr uint64) (Region, bool) {
	for _, r := range s.Maps {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// Shape is the launch-invariant part of a snapshot: region permissions and
// backing objects in map order. Addresses are excluded since ASLR moves them.
type Shape struct {
	Regions []string
	EnvVars []string
	AuxKeys []uint64
}

// Shape returns the snapshot's shape.
func (s *Snapshot) Shape() Shape {
	var shape Shape
	for _, r := range s.Maps {
		shape.Regions = append(shape.Regions, r.Perms+" "+r.Path)
	}
	for _, e := range s.Environ {
		shape.EnvVars = append(shape.EnvVars, e.Name)
	}
	for _, a := range s.Auxv {
		shape.AuxKeys = append(shape.AuxKeys, a.Key)
	}
	return shape
}

// LoadedObject is a file-backed object and the lowest address it is mapped at.
type LoadedObject struct {
	Path string `json:"path"`
	Base uint64 `json:"base"`
}

// LoadedObjects lists file-backed mappings ordered by base address.
func (s *Snapshot) LoadedObjects() []LoadedObject {
	bases := make(map[string]uint64)
	for _, r := range s.Maps {
		if r.Path == "" || strings.HasPrefix(r.Path, "[") {
			continue
		}
		if base, ok := bases[r.Path]; !ok || r.Start < base {
			bases[r.Path] = r.Start
		}
	}
	objects := make([]LoadedObject, 0, len(bases))
	for path, base := range bases {
		objects = append(objects, LoadedObject{Path: path, Base: base})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Base < objects[j].Base })
	return objects
}

// Capture reads maps, environ and auxv of pid from procfs. The caller must
// guarantee the process is stopped for the observation to be consistent.
func Capture(pid int) (*Snapshot, error) {
	return captureFrom(filepath.Join("/proc", strconv.Itoa(pid)), pid)
}

func captureFrom(dir string, pid int) (*Snapshot, error) {
	mapsFile, err := os.Open(filepath.Join(dir, "maps"))
	if err != nil {
		return nil, fmt.Errorf("open maps: %w", err)
	}
	defer mapsFile.Close()
	maps, err := ParseMaps(mapsFile)
	if err != nil {
		return nil, err
	}

	environ, err := os.ReadFile(filepath.Join(dir, "environ"))
	if err != nil {
		return nil, fmt.Errorf("read environ: %w", err)
	}

	auxv, err := os.ReadFile(filepath.Join(dir, "auxv"))
	if err != nil {
		return nil, fmt.Errorf("read auxv: %w", err)
	}
	entries, err := ParseAuxv(auxv, int(unsafe.Sizeof(uintptr(0))), binary.NativeEndian)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		PID:        pid,
		CapturedAt: time.Now(),
		Maps:       maps,
		Environ:    ParseEnviron(environ),
		Auxv:       entries,
	}, nil
}

// ParseMaps parses the /proc/<pid>/maps format.
func ParseMaps(r io.Reader) ([]Region, error) {
	var regions []Region
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, fmt.Errorf("malformed maps line %q", line)
		}

		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			return nil, fmt.Errorf("malformed address range %q", fields[0])
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse start %q: %w", lo, err)
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse end %q: %w", hi, err)
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse offset %q: %w", fields[2], err)
		}
		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse inode %q: %w", fields[4], err)
		}

		regions = append(regions, Region{
			Start:  start,
			End:    end,
			Perms:  fields[1],
			Offset: offset,
			Dev:    fields[3],
			Inode:  inode,
			Path:   strings.Join(fields[5:], " "),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read maps: %w", err)
	}
	return regions, nil
}

// ParseEnviron splits a NUL-separated environment block, keeping order.
func ParseEnviron(data []byte) []EnvVar {
	var vars []EnvVar
	for _, entry := range bytes.Split(data, []byte{0}) {
		if len(entry) == 0 {
			continue
		}
		name, value, _ := strings.Cut(string(entry), "=")
		vars = append(vars, EnvVar{Name: name, Value: value})
	}
	return vars
}

// ParseAuxv decodes an auxiliary vector of wordSize-byte words, stopping at AT_NULL.
func ParseAuxv(data []byte, wordSize int, order binary.ByteOrder) ([]AuxEntry, error) {
	if wordSize != 4 && wordSize != 8 {
		return nil, fmt.Errorf("unsupported word size %d", wordSize)
	}
	word := func(b []byte) uint64 {
		if wordSize == 4 {
			return uint64(order.Uint32(b))
		}
		return order.Uint64(b)
	}

	var entries []AuxEntry
	for off := 0; off+2*wordSize <= len(data); off += 2 * wordSize {
		key := word(data[off:])
		if key == AtNull {
			return entries, nil
		}
		entries = append(entries, AuxEntry{Key: key, Value: word(data[off+wordSize:])})
	}
	if len(data)%(2*wordSize) != 0 {
		return nil, fmt.Errorf("truncated auxv (%d bytes)", len(data))
	}
	return entries, nil
}
