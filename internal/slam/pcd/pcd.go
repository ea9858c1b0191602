package pcd

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/slam.report/internal/slam"
)

// Format selects the PCD body encoding.
type Format int

const (
	Ascii Format = iota
	Binary
	BinaryCompressed
)

func (f Format) String() string {
	switch f {
	case Ascii:
		return "ascii"
	case Binary:
		return "binary"
	case BinaryCompressed:
		return "binary_compressed"
	default:
		return "unknown"
	}
}

// ParseFormat converts a DATA keyword or config string to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "ascii":
		return Ascii, nil
	case "binary":
		return Binary, nil
	case "binary_compressed":
		return BinaryCompressed, nil
	default:
		return 0, fmt.Errorf("pcd: unknown format %q", s)
	}
}

// field describes one column of a PCD file.
type field struct {
	name string
	size int
	typ  byte // 'F', 'U' or 'I'
}

// canonicalFields is the layout written by Encode. Decoders accept any
// layout and pick out the fields they know.
var canonicalFields = []field{
	{"x", 4, 'F'},
	{"y", 4, 'F'},
	{"z", 4, 'F'},
	{"intensity", 4, 'F'},
	{"laser_id", 1, 'U'},
	{"time", 8, 'F'},
}

func writeHeader(w io.Writer, n int, f Format) error {
	names := make([]string, len(canonicalFields))
	sizes := make([]string, len(canonicalFields))
	types := make([]string, len(canonicalFields))
	counts := make([]string, len(canonicalFields))
	for i, fl := range canonicalFields {
		names[i] = fl.name
		sizes[i] = strconv.Itoa(fl.size)
		types[i] = string(fl.typ)
		counts[i] = "1"
	}
	_, err := fmt.Fprintf(w,
		"# .PCD v0.7 - Point Cloud Data file format\n"+
			"VERSION 0.7\n"+
			"FIELDS %s\n"+
			"SIZE %s\n"+
			"TYPE %s\n"+
			"COUNT %s\n"+
			"WIDTH %d\n"+
			"HEIGHT 1\n"+
			"VIEWPOINT 0 0 0 1 0 0 0\n"+
			"POINTS %d\n"+
			"DATA %s\n",
		strings.Join(names, " "),
		strings.Join(sizes, " "),
		strings.Join(types, " "),
		strings.Join(counts, " "),
		n, n, f)
	return err
}

// Encode writes the points to w in the given format.
func Encode(w io.Writer, points []slam.Point, f Format) error {
	if err := writeHeader(w, len(points), f); err != nil {
		return err
	}
	switch f {
	case Ascii:
		bw := bufio.NewWriter(w)
		for _, p := range points {
			_, err := fmt.Fprintf(bw, "%.8g %.8g %.8g %.8g %d %.10g\n",
				float32(p.X), float32(p.Y), float32(p.Z), p.Intensity, p.LaserID, p.Time)
			if err != nil {
				return err
			}
		}
		return bw.Flush()
	case Binary:
		buf := packPoints(points, false)
		_, err := w.Write(buf)
		return err
	case BinaryCompressed:
		raw := packPoints(points, true)
		compressed := lzfCompress(raw)
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:], uint32(len(compressed)))
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(raw)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		_, err := w.Write(compressed)
		return err
	default:
		return fmt.Errorf("pcd: unknown format %d", f)
	}
}

// packPoints serializes points in canonical field order, either row-major
// (binary) or column-major (binary_compressed stores each field's column
// contiguously).
func packPoints(points []slam.Point, columnMajor bool) []byte {
	stride := 0
	for _, fl := range canonicalFields {
		stride += fl.size
	}
	buf := make([]byte, stride*len(points))

	offset := 0
	for fi, fl := range canonicalFields {
		var rowOffset int
		if columnMajor {
			rowOffset = offset * len(points)
		}
		for i, p := range points {
			var at int
			if columnMajor {
				at = rowOffset + i*fl.size
			} else {
				at = i*stride + offset
			}
			switch fi {
			case 0:
				binary.LittleEndian.PutUint32(buf[at:], math.Float32bits(float32(p.X)))
			case 1:
				binary.LittleEndian.PutUint32(buf[at:], math.Float32bits(float32(p.Y)))
			case 2:
				binary.LittleEndian.PutUint32(buf[at:], math.Float32bits(float32(p.Z)))
			case 3:
				binary.LittleEndian.PutUint32(buf[at:], math.Float32bits(p.Intensity))
			case 4:
				buf[at] = p.LaserID
			case 5:
				binary.LittleEndian.PutUint64(buf[at:], math.Float64bits(p.Time))
			}
		}
		offset += fl.size
	}
	return buf
}

// header is the parsed PCD preamble.
type header struct {
	fields []field
	points int
	format Format
}

func parseHeader(r *bufio.Reader) (*header, error) {
	h := &header{points: -1}
	var sizes, types []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("pcd: truncated header: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		switch parts[0] {
		case "VERSION", "WIDTH", "HEIGHT", "VIEWPOINT", "COUNT":
			// WIDTH*HEIGHT is redundant with POINTS; COUNT > 1 unsupported
			// but never produced by our encoder.
		case "FIELDS":
			for _, name := range parts[1:] {
				h.fields = append(h.fields, field{name: name})
			}
		case "SIZE":
			sizes = parts[1:]
		case "TYPE":
			types = parts[1:]
		case "POINTS":
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("pcd: bad POINTS: %w", err)
			}
			h.points = n
		case "DATA":
			if len(parts) < 2 {
				return nil, fmt.Errorf("pcd: bad DATA line")
			}
			f, err := ParseFormat(parts[1])
			if err != nil {
				return nil, err
			}
			h.format = f
			if h.points < 0 || len(h.fields) == 0 ||
				len(sizes) != len(h.fields) || len(types) != len(h.fields) {
				return nil, fmt.Errorf("pcd: incomplete header")
			}
			for i := range h.fields {
				n, err := strconv.Atoi(sizes[i])
				if err != nil {
					return nil, fmt.Errorf("pcd: bad SIZE: %w", err)
				}
				h.fields[i].size = n
				h.fields[i].typ = types[i][0]
			}
			return h, nil
		default:
			return nil, fmt.Errorf("pcd: unknown header keyword %q", parts[0])
		}
	}
}

// readScalar decodes one field value from buf as float64.
func readScalar(buf []byte, f field) float64 {
	switch {
	case f.typ == 'F' && f.size == 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	case f.typ == 'F' && f.size == 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf))
	case f.typ == 'U' && f.size == 1:
		return float64(buf[0])
	case f.typ == 'U' && f.size == 2:
		return float64(binary.LittleEndian.Uint16(buf))
	case f.typ == 'U' && f.size == 4:
		return float64(binary.LittleEndian.Uint32(buf))
	case f.typ == 'I' && f.size == 1:
		return float64(int8(buf[0]))
	case f.typ == 'I' && f.size == 2:
		return float64(int16(binary.LittleEndian.Uint16(buf)))
	case f.typ == 'I' && f.size == 4:
		return float64(int32(binary.LittleEndian.Uint32(buf)))
	default:
		return math.NaN()
	}
}

func assignField(p *slam.Point, name string, v float64) {
	switch name {
	case "x":
		p.X = v
	case "y":
		p.Y = v
	case "z":
		p.Z = v
	case "intensity":
		p.Intensity = float32(v)
	case "laser_id", "ring":
		p.LaserID = uint8(v)
	case "time", "t":
		p.Time = v
	}
}

// Decode reads a PCD stream and returns its points. Unknown fields are
// ignored; missing fields leave the corresponding Point members zero.
func Decode(r io.Reader) ([]slam.Point, error) {
	br := bufio.NewReader(r)
	h, err := parseHeader(br)
	if err != nil {
		return nil, err
	}
	points := make([]slam.Point, h.points)

	switch h.format {
	case Ascii:
		for i := range points {
			line, err := br.ReadString('\n')
			if line == "" && err != nil {
				return nil, fmt.Errorf("pcd: truncated ascii body: %w", err)
			}
			vals := strings.Fields(line)
			if len(vals) < len(h.fields) {
				return nil, fmt.Errorf("pcd: short ascii row %d", i)
			}
			for fi, fl := range h.fields {
				v, err := strconv.ParseFloat(vals[fi], 64)
				if err != nil {
					return nil, fmt.Errorf("pcd: bad ascii value %q: %w", vals[fi], err)
				}
				assignField(&points[i], fl.name, v)
			}
		}
		return points, nil

	case Binary:
		stride := 0
		for _, fl := range h.fields {
			stride += fl.size
		}
		body := make([]byte, stride*h.points)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("pcd: truncated binary body: %w", err)
		}
		for i := range points {
			at := i * stride
			for _, fl := range h.fields {
				assignField(&points[i], fl.name, readScalar(body[at:], fl))
				at += fl.size
			}
		}
		return points, nil

	case BinaryCompressed:
		var hdr [8]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return nil, fmt.Errorf("pcd: truncated compressed header: %w", err)
		}
		compressedLen := int(binary.LittleEndian.Uint32(hdr[0:]))
		rawLen := int(binary.LittleEndian.Uint32(hdr[4:]))
		compressed := make([]byte, compressedLen)
		if _, err := io.ReadFull(br, compressed); err != nil {
			return nil, fmt.Errorf("pcd: truncated compressed body: %w", err)
		}
		raw, err := lzfDecompress(compressed, rawLen)
		if err != nil {
			return nil, err
		}
		// Columns are stored field-major in field order.
		at := 0
		for _, fl := range h.fields {
			col := fl.size * h.points
			if at+col > len(raw) {
				return nil, fmt.Errorf("pcd: compressed body too short")
			}
			for i := range points {
				assignField(&points[i], fl.name, readScalar(raw[at+i*fl.size:], fl))
			}
			at += col
		}
		return points, nil

	default:
		return nil, fmt.Errorf("pcd: unknown format %d", h.format)
	}
}

// SaveFile writes points to a PCD file.
func SaveFile(path string, points []slam.Point, f Format) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	bw := bufio.NewWriter(file)
	if err := Encode(bw, points, f); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return file.Close()
}

// LoadFile reads points from a PCD file.
func LoadFile(path string) ([]slam.Point, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(data))
}
