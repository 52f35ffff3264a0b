// Package burst reads simulated-burst description files and maps their
// sparse flux grids onto absolute sample indices in the live stream.
package burst

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

// File is one decoded burst description: scalar metadata plus a sparse
// (row, col, flux) grid. Rows are sample-time offsets on the burst's
// local time axis, cols are frequency channels. The on-disk triplets are
// expected sorted by row; Placement relies on that to stop scanning at
// the first out-of-range row.
type File struct {
	Format string
	Name   string

	T1, T2 float32 // local time axis bounds, s
	Dt     float32 // sampling time, s
	F1, F2 float32 // band edges, MHz
	NF     int32   // channels in the grid

	RA, Dec  float32 // position, when stored inline
	PosFile  string  // position file name (FORMAT 1.2 / 2.1 alternative)
	UseAngle bool
	Seed     int64

	GridRows int32
	GridCols int32
	DM       float32 // dispersion measure, pc/cm^3
	Flux     float32 // peak flux density, Jy
	Width    float32 // pulse width, s
	TBurst   float32 // injection time in the stream, s

	Rows   []int32
	Cols   []int32
	Fluxes []float32
}

// Empty reports whether the grid has no non-zero entries. An empty burst
// is skipped with a warning rather than aborting the run.
func (f *File) Empty() bool { return len(f.Rows) == 0 }

// ReadFile decodes a burst description file. An unrecognized format
// string is fatal to the caller; all reads are little-endian.
func ReadFile(path string) (*File, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open burst file: %w", err)
	}
	defer fp.Close()
	f, err := Decode(fp)
	if err != nil {
		return nil, fmt.Errorf("burst file %s: %w", path, err)
	}
	return f, nil
}

// Decode reads one burst description from r.
func Decode(r io.Reader) (*File, error) {
	format, err := readPadded(r, 64)
	if err != nil {
		return nil, fmt.Errorf("read format string: %w", err)
	}

	f := &File{Format: format}
	switch format {
	case "FORMAT 1":
		if err := f.readPreamble(r, false, false); err != nil {
			return nil, err
		}
	case "FORMAT 1.1":
		if err := f.readPreamble(r, false, true); err != nil {
			return nil, err
		}
	case "FORMAT 1.2", "FORMAT 2.1":
		if err := f.readPreamble(r, true, true); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unrecognized burst file format %q", format)
	}

	if err := f.readGrid(r); err != nil {
		return nil, err
	}
	return f, nil
}

// readPreamble decodes the versioned scalar header. posBlock selects the
// FORMAT 1.2+ position encoding (inline angles or a position-file name);
// labels selects the FORMAT 1.1+ trailing has-labels flag.
func (f *File) readPreamble(r io.Reader, posBlock, labels bool) error {
	var err error
	if f.Name, err = readPadded(r, 128); err != nil {
		return fmt.Errorf("read name: %w", err)
	}

	fields := []struct {
		name string
		v    any
	}{
		{"t1", &f.T1}, {"t2", &f.T2}, {"dt", &f.Dt},
		{"f1", &f.F1}, {"f2", &f.F2}, {"nf", &f.NF},
	}
	for _, fl := range fields {
		if err := binary.Read(r, binary.LittleEndian, fl.v); err != nil {
			return fmt.Errorf("read %s: %w", fl.name, err)
		}
	}

	if posBlock {
		var hasAngles int32
		if err := binary.Read(r, binary.LittleEndian, &hasAngles); err != nil {
			return fmt.Errorf("read position flag: %w", err)
		}
		if hasAngles == 1 {
			if err := binary.Read(r, binary.LittleEndian, &f.RA); err != nil {
				return fmt.Errorf("read ra: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &f.Dec); err != nil {
				return fmt.Errorf("read dec: %w", err)
			}
		} else {
			if f.PosFile, err = readPadded(r, 128); err != nil {
				return fmt.Errorf("read position file name: %w", err)
			}
		}
	} else {
		if err := binary.Read(r, binary.LittleEndian, &f.RA); err != nil {
			return fmt.Errorf("read ra: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &f.Dec); err != nil {
			return fmt.Errorf("read dec: %w", err)
		}
	}

	var useAngle int32
	if err := binary.Read(r, binary.LittleEndian, &useAngle); err != nil {
		return fmt.Errorf("read use-angle flag: %w", err)
	}
	f.UseAngle = useAngle != 0

	if err := binary.Read(r, binary.LittleEndian, &f.Seed); err != nil {
		return fmt.Errorf("read seed: %w", err)
	}

	if labels {
		var hasLabels int32
		if err := binary.Read(r, binary.LittleEndian, &hasLabels); err != nil {
			return fmt.Errorf("read labels flag: %w", err)
		}
		if hasLabels == 1 {
			return fmt.Errorf("labelled burst files are not supported")
		}
	}
	return nil
}

// readGrid decodes the grid dimensions, burst metadata, and the three
// parallel sparse arrays.
func (f *File) readGrid(r io.Reader) error {
	var nnz int32
	fields := []struct {
		name string
		v    any
	}{
		{"grid rows", &f.GridRows}, {"grid cols", &f.GridCols}, {"entry count", &nnz},
		{"dm", &f.DM}, {"flux", &f.Flux}, {"width", &f.Width}, {"tburst", &f.TBurst},
	}
	for _, fl := range fields {
		if err := binary.Read(r, binary.LittleEndian, fl.v); err != nil {
			return fmt.Errorf("read %s: %w", fl.name, err)
		}
	}
	if nnz < 0 {
		return fmt.Errorf("negative entry count %d", nnz)
	}

	f.Rows = make([]int32, nnz)
	f.Cols = make([]int32, nnz)
	f.Fluxes = make([]float32, nnz)
	if err := binary.Read(r, binary.LittleEndian, f.Rows); err != nil {
		return fmt.Errorf("read row indices: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, f.Cols); err != nil {
		return fmt.Errorf("read column indices: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, f.Fluxes); err != nil {
		return fmt.Errorf("read flux values: %w", err)
	}
	return nil
}

// readPadded reads an n-byte field holding a NUL- or space-padded string.
func readPadded(r io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	s := strings.TrimRight(string(buf), "\x00")
	return strings.TrimSpace(s), nil
}
