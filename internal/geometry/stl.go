package geometry

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Vec3 is a point in model space.
type Vec3 struct{ X, Y, Z float64 }

// Triangle is one mesh facet. Vertex order defines orientation.
type Triangle [3]Vec3

// Mesh is a tessellated surface loaded from an STL artifact.
type Mesh struct {
	Triangles []Triangle
}

const binaryHeaderSize = 84 // 80-byte comment + uint32 triangle count.

// Load reads an STL file, auto-detecting the binary and ASCII variants.
func Load(path string) (*Mesh, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mesh %s: %w", path, err)
	}
	if isASCII(data) {
		return parseASCII(data)
	}
	return parseBinary(data)
}

// isASCII detects the text variant. A "solid" prefix alone is not enough,
// since some binary exporters write it into the comment header, so require a
// "facet" keyword near the start as well.
func isASCII(data []byte) bool {
	if !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("solid")) {
		return false
	}
	probe := data
	if len(probe) > 1024 {
		probe = probe[:1024]
	}
	return bytes.Contains(probe, []byte("facet"))
}

func parseBinary(data []byte) (*Mesh, error) {
	if len(data) < binaryHeaderSize {
		return nil, fmt.Errorf("binary stl truncated: %d bytes", len(data))
	}
	count := binary.LittleEndian.Uint32(data[80:84])
	const recordSize = 50 // 4 float32 vectors (normal + 3 vertices) + uint16 attribute.
	want := binaryHeaderSize + int(count)*recordSize
	if len(data) < want {
		return nil, fmt.Errorf("binary stl truncated: have %d bytes, want %d for %d facets", len(data), want, count)
	}

	m := &Mesh{Triangles: make([]Triangle, 0, count)}
	off := binaryHeaderSize
	for i := 0; i < int(count); i++ {
		var tri Triangle
		// Skip the 12-byte normal; orientation comes from vertex winding.
		voff := off + 12
		for v := 0; v < 3; v++ {
			tri[v] = Vec3{
				X: float64(math.Float32frombits(binary.LittleEndian.Uint32(data[voff:]))),
				Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(data[voff+4:]))),
				Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(data[voff+8:]))),
			}
			voff += 12
		}
		m.Triangles = append(m.Triangles, tri)
		off += recordSize
	}
	return m, nil
}

func parseASCII(data []byte) (*Mesh, error) {
	m := &Mesh{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var verts []Vec3
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 4 || fields[0] != "vertex" {
			continue
		}
		var v Vec3
		var err error
		if v.X, err = strconv.ParseFloat(fields[1], 64); err != nil {
			return nil, fmt.Errorf("ascii stl: bad vertex: %w", err)
		}
		if v.Y, err = strconv.ParseFloat(fields[2], 64); err != nil {
			return nil, fmt.Errorf("ascii stl: bad vertex: %w", err)
		}
		if v.Z, err = strconv.ParseFloat(fields[3], 64); err != nil {
			return nil, fmt.Errorf("ascii stl: bad vertex: %w", err)
		}
		verts = append(verts, v)
		if len(verts) == 3 {
			m.Triangles = append(m.Triangles, Triangle{verts[0], verts[1], verts[2]})
			verts = verts[:0]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ascii stl: %w", err)
	}
	if len(verts) != 0 {
		return nil, fmt.Errorf("ascii stl: dangling vertices (%d)", len(verts))
	}
	return m, nil
}
