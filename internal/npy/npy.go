// Package npy reads and writes NumPy .npy array files (format versions 1 to 3).
package npy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var magic = []byte("\x93NUMPY")

// MaxElements caps the element count Decode accepts from a header.
const MaxElements = 1 << 28

// ErrFormat is wrapped by every malformed-file error.
var ErrFormat = errors.New("npy: bad format")

// Elem is an element type the writer supports.
type Elem interface {
	float32 | float64 | int32 | int64 | uint8
}

func descr[T Elem]() string {
	var zero T
	switch any(zero).(type) {
	case float32:
		return "<f4"
	case float64:
		return "<f8"
	case int32:
		return "<i4"
	case int64:
		return "<i8"
	default:
		return "|u1"
	}
}

// Write stores data with the given shape at path.
func Write[T Elem](path string, shape []int, data []T) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := Encode(w, shape, data); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes a version 1.0 array to w.
func Encode[T Elem](w io.Writer, shape []int, data []T) error {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension %d", ErrFormat, d)
		}
		n *= d
	}
	if n != len(data) {
		return fmt.Errorf("%w: shape %v needs %d values, got %d", ErrFormat, shape, n, len(data))
	}

	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr[T](), shapeString(shape))
	// magic(6) + version(2) + length(2) + header + '\n' is padded to 64 bytes.
	total := len(magic) + 4 + len(header) + 1
	if pad := (64 - total%64) % 64; pad > 0 {
		header += strings.Repeat(" ", pad)
	}
	header += "\n"
	if len(header) > math.MaxUint16 {
		return fmt.Errorf("%w: header too long", ErrFormat)
	}

	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, data)
}

func shapeString(shape []int) string {
	switch len(shape) {
	case 0:
		return "()"
	case 1:
		return fmt.Sprintf("(%d,)", shape[0])
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Array is a decoded array widened to float64.
type Array struct {
	Shape []int
	Data  []float64
}

// Rows splits an array into its leading-axis rows. A 3-D (N, A, B) array
// gives N rows of A*B values in C order.
func (a *Array) Rows() ([][]float64, error) {
	var width int
	switch len(a.Shape) {
	case 2:
		width = a.Shape[1]
	case 3:
		width = a.Shape[1] * a.Shape[2]
	default:
		return nil, fmt.Errorf("%w: expected 2-D or 3-D array, got shape %v", ErrFormat, a.Shape)
	}
	if a.Shape[0]*width != len(a.Data) {
		return nil, fmt.Errorf("%w: shape %v does not match %d values", ErrFormat, a.Shape, len(a.Data))
	}
	rows := make([][]float64, a.Shape[0])
	for i := range rows {
		rows[i] = a.Data[i*width : (i+1)*width]
	}
	return rows, nil
}

// Read loads the array stored at path.
func Read(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(bufio.NewReader(f))
}

var (
	descrRe   = regexp.MustCompile(`'descr':\s*'([^']+)'`)
	fortranRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// Decode reads one array from r.
func Decode(r io.Reader) (*Array, error) {
	pre := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(r, pre); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if !bytes.Equal(pre[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: missing magic", ErrFormat)
	}

	var hlen int
	switch major := pre[len(magic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		hlen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		hlen = int(n)
	default:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, major)
	}

	header := make([]byte, hlen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	h := string(header)

	dm := descrRe.FindStringSubmatch(h)
	sm := shapeRe.FindStringSubmatch(h)
	if dm == nil || sm == nil {
		return nil, fmt.Errorf("%w: header %q", ErrFormat, strings.TrimSpace(h))
	}
	if fm := fortranRe.FindStringSubmatch(h); fm != nil && fm[1] == "True" {
		return nil, fmt.Errorf("%w: fortran order is not supported", ErrFormat)
	}

	shape, n, err := parseShape(sm[1])
	if err != nil {
		return nil, err
	}
	data, err := readData(r, dm[1], n)
	if err != nil {
		return nil, err
	}
	return &Array{Shape: shape, Data: data}, nil
}

func parseShape(s string) ([]int, int, error) {
	var shape []int
	n := 1
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return nil, 0, fmt.Errorf("%w: shape %q", ErrFormat, s)
		}
		if d > 0 && n > MaxElements/d {
			return nil, 0, fmt.Errorf("%w: shape %q exceeds %d elements", ErrFormat, s, MaxElements)
		}
		shape = append(shape, d)
		n *= d
	}
	return shape, n, nil
}

func readData(r io.Reader, descr string, n int) ([]float64, error) {
	var order binary.ByteOrder = binary.LittleEndian
	if strings.HasPrefix(descr, ">") {
		order = binary.BigEndian
	}
	kind := strings.TrimLeft(descr, "<>|=")

	out := make([]float64, n)
	read := func(dst any) error {
		if err := binary.Read(r, order, dst); err != nil {
			return fmt.Errorf("%w: data: %v", ErrFormat, err)
		}
		return nil
	}

	switch kind {
	case "f8":
		if err := read(out); err != nil {
			return nil, err
		}
	case "f4":
		buf := make([]float32, n)
		if err := read(buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case "i4":
		buf := make([]int32, n)
		if err := read(buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case "i8":
		buf := make([]int64, n)
		if err := read(buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case "u1":
		buf := make([]uint8, n)
		if err := read(buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported dtype %q", ErrFormat, descr)
	}
	return out, nil
}
