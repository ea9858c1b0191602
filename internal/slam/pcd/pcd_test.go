package pcd

import (
	"bytes"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/slam.report/internal/slam"
)

func samplePoints() []slam.Point {
	return []slam.Point{
		{X: 1.25, Y: -2.5, Z: 3.75, Intensity: 10, LaserID: 0, Time: 0.001},
		{X: 0, Y: 0, Z: 0, Intensity: 0, LaserID: 3, Time: 0},
		{X: -100.5, Y: 42.125, Z: 0.5, Intensity: 255, LaserID: 15, Time: 0.099},
		{X: 7, Y: 7, Z: 7, Intensity: 128.5, LaserID: 7, Time: 0.05},
	}
}

func pointsAlmostEqual(t *testing.T, got, want []slam.Point) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d points, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		// x/y/z/intensity pass through float32 in the container.
		if math.Abs(g.X-w.X) > 1e-4 || math.Abs(g.Y-w.Y) > 1e-4 || math.Abs(g.Z-w.Z) > 1e-4 {
			t.Fatalf("point %d position: got %+v want %+v", i, g, w)
		}
		if math.Abs(float64(g.Intensity-w.Intensity)) > 1e-3 {
			t.Fatalf("point %d intensity: got %v want %v", i, g.Intensity, w.Intensity)
		}
		if g.LaserID != w.LaserID {
			t.Fatalf("point %d laser id: got %d want %d", i, g.LaserID, w.LaserID)
		}
		if math.Abs(g.Time-w.Time) > 1e-12 {
			t.Fatalf("point %d time: got %v want %v", i, g.Time, w.Time)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	for _, format := range []Format{Ascii, Binary, BinaryCompressed} {
		format := format
		t.Run(format.String(), func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			if err := Encode(&buf, samplePoints(), format); err != nil {
				t.Fatal(err)
			}
			got, err := Decode(bytes.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatal(err)
			}
			pointsAlmostEqual(t, got, samplePoints())
		})
	}
}

func TestEncodeEmptyCloud(t *testing.T) {
	t.Parallel()
	for _, format := range []Format{Ascii, Binary, BinaryCompressed} {
		var buf bytes.Buffer
		if err := Encode(&buf, nil, format); err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		got, err := Decode(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if len(got) != 0 {
			t.Fatalf("%s: got %d points from empty cloud", format, len(got))
		}
	}
}

func TestSaveLoadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "map.pcd")
	if err := SaveFile(path, samplePoints(), BinaryCompressed); err != nil {
		t.Fatal(err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	pointsAlmostEqual(t, got, samplePoints())
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	for _, f := range []Format{Ascii, Binary, BinaryCompressed} {
		parsed, err := ParseFormat(f.String())
		if err != nil || parsed != f {
			t.Fatalf("parse %q: %v %v", f.String(), parsed, err)
		}
	}
	if _, err := ParseFormat("bogus"); err == nil {
		t.Fatal("expected error for bogus format")
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown keyword":   "GARBAGE 1\n",
		"truncated header":  "VERSION 0.7\nFIELDS x y z\n",
		"incomplete header": "VERSION 0.7\nFIELDS x y z\nDATA ascii\n",
		"bad format":        "FIELDS x\nSIZE 4\nTYPE F\nCOUNT 1\nPOINTS 0\nDATA hologram\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(in)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDecodeForeignLayout(t *testing.T) {
	t.Parallel()
	// A common PCL layout with only xyz+intensity and an extra unknown
	// field: known fields are picked out, unknown ones ignored.
	in := "# comment\n" +
		"VERSION 0.7\n" +
		"FIELDS x y z rgb intensity\n" +
		"SIZE 4 4 4 4 4\n" +
		"TYPE F F F F F\n" +
		"COUNT 1 1 1 1 1\n" +
		"WIDTH 2\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS 2\nDATA ascii\n" +
		"1 2 3 0 9\n" +
		"4 5 6 0 8\n"
	got, err := Decode(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].X != 1 || got[1].Z != 6 || got[0].Intensity != 9 {
		t.Fatalf("decoded %+v", got)
	}
	if got[0].LaserID != 0 || got[0].Time != 0 {
		t.Fatalf("missing fields not zero: %+v", got[0])
	}
}

func TestLZFRoundTrip(t *testing.T) {
	t.Parallel()
	cases := map[string][]byte{
		"empty":       {},
		"short":       []byte("abc"),
		"repetitive":  bytes.Repeat([]byte("slam.report "), 500),
		"single byte": bytes.Repeat([]byte{0x42}, 10000),
		"binaryish":   {0, 1, 2, 3, 0, 1, 2, 3, 0, 1, 2, 3, 255, 254, 0, 0, 0, 0, 0, 0, 0, 0},
	}
	// A pseudo-random incompressible buffer (fixed seed sequence).
	rnd := make([]byte, 4096)
	state := uint32(0x9e3779b9)
	for i := range rnd {
		state = state*1664525 + 1013904223
		rnd[i] = byte(state >> 24)
	}
	cases["incompressible"] = rnd

	for name, in := range cases {
		in := in
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			compressed := lzfCompress(in)
			out, err := lzfDecompress(compressed, len(in))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(out, in) {
				t.Fatalf("round trip mismatch: %d in, %d out", len(in), len(out))
			}
		})
	}
}

func TestLZFCompressesRepetitiveData(t *testing.T) {
	t.Parallel()
	in := bytes.Repeat([]byte("abcdefgh"), 1000)
	compressed := lzfCompress(in)
	if len(compressed) >= len(in)/4 {
		t.Fatalf("repetitive data barely compressed: %d -> %d", len(in), len(compressed))
	}
}

func TestLZFDecompressRejectsCorrupt(t *testing.T) {
	t.Parallel()
	if _, err := lzfDecompress([]byte{31}, 10); err == nil {
		t.Fatal("truncated literal run accepted")
	}
	if _, err := lzfDecompress([]byte{0xff, 0x01, 0x01}, 100); err == nil {
		t.Fatal("back-reference before start accepted")
	}
}
