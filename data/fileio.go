package data

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Read parses a dataset in the text format written by Write: a "# N D"
// header followed by one "p x1 ... xD y" row per observation. Further
// lines starting with '#' are ignored.
func Read(r io.Reader) (*Dataset, error) {
	sc := bufio.NewScanner(r)
	N, D, err := readHeader(sc)
	if err != nil {
		return nil, err
	}

	s, err := New(D)
	if err != nil {
		return nil, err
	}
	if err := s.readRows(sc, N); err != nil {
		return nil, err
	}
	return s, nil
}

// ReadFile reads a dataset file.
func ReadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	s, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// AppendFrom appends the observations of a dataset file to s. The file
// dimensionality must match.
func (s *Dataset) AppendFrom(r io.Reader) error {
	sc := bufio.NewScanner(r)
	N, D, err := readHeader(sc)
	if err != nil {
		return err
	}
	if D != s.dims {
		return fmt.Errorf("%w: file has %d dimensions, dataset has %d", ErrDimMismatch, D, s.dims)
	}

	add := &Dataset{dims: D}
	if err := add.readRows(sc, N); err != nil {
		return err
	}
	return s.AugmentData(add)
}

func readHeader(sc *bufio.Scanner) (N, D int, err error) {
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrIO, err)
		}
		return 0, 0, fmt.Errorf("%w: missing header", ErrIO)
	}
	if _, err := fmt.Sscanf(sc.Text(), "# %d %d", &N, &D); err != nil {
		return 0, 0, fmt.Errorf("%w: bad header %q", ErrIO, sc.Text())
	}
	if N < 0 || D <= 0 {
		return 0, 0, fmt.Errorf("%w: bad header sizes N=%d D=%d", ErrIO, N, D)
	}
	return N, D, nil
}

func (s *Dataset) readRows(sc *bufio.Scanner, N int) error {
	s.data = make([]Datum, 0, N)
	for line := 2; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != s.dims+2 {
			return fmt.Errorf("%w: line %d has %d fields, want %d", ErrDimMismatch, line, len(fields), s.dims+2)
		}

		p, err := strconv.Atoi(fields[0])
		if err != nil || p < 0 {
			return fmt.Errorf("%w: line %d: bad output channel %q", ErrIO, line, fields[0])
		}
		d := Datum{X: make([]float64, s.dims), P: p}
		for k := range d.X {
			if d.X[k], err = strconv.ParseFloat(fields[k+1], 64); err != nil {
				return fmt.Errorf("%w: line %d: %v", ErrIO, line, err)
			}
		}
		if d.Y, err = strconv.ParseFloat(fields[s.dims+1], 64); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrIO, line, err)
		}
		s.insert(d)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if len(s.data) != N {
		return fmt.Errorf("%w: header declares %d observations, read %d", ErrIO, N, len(s.data))
	}
	return nil
}

// Write emits the dataset in the text format understood by Read.
func (s *Dataset) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# %d %d\n", len(s.data), s.dims)
	for _, d := range s.data {
		bw.WriteString(strconv.Itoa(d.P))
		for _, x := range d.X {
			bw.WriteByte(' ')
			bw.WriteString(strconv.FormatFloat(x, 'e', -1, 64))
		}
		bw.WriteByte(' ')
		bw.WriteString(strconv.FormatFloat(d.Y, 'e', -1, 64))
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	return nil
}

// WriteFile writes the dataset to path.
func (s *Dataset) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create dataset file: %w", err)
	}
	if err := s.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
