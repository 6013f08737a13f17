// Package geometry inspects produced mesh artifacts for manufacturability
// defects: emptiness, non-manifold topology, and non-positive enclosed
// volume. It never performs mesh generation itself.
package geometry

import (
	"log/slog"
	"os"

	"github.com/jkaninda/umba/internal/domain"
)

// FaceCount returns the number of facets.
func (m *Mesh) FaceCount() int { return len(m.Triangles) }

// Volume computes the signed enclosed volume via the divergence theorem.
// A consistently outward-wound watertight mesh yields a positive value;
// inverted orientation yields a negative one.
func (m *Mesh) Volume() float64 {
	var v float64
	for _, t := range m.Triangles {
		a, b, c := t[0], t[1], t[2]
		v += a.X*(b.Y*c.Z-b.Z*c.Y) - a.Y*(b.X*c.Z-b.Z*c.X) + a.Z*(b.X*c.Y-b.Y*c.X)
	}
	return v / 6.0
}

// Bounds returns the axis-aligned bounding box as [[min x,y,z], [max x,y,z]].
func (m *Mesh) Bounds() [2][3]float64 {
	if len(m.Triangles) == 0 {
		return [2][3]float64{}
	}
	first := m.Triangles[0][0]
	lo := [3]float64{first.X, first.Y, first.Z}
	hi := lo
	for _, t := range m.Triangles {
		for _, v := range t {
			lo[0] = min(lo[0], v.X)
			lo[1] = min(lo[1], v.Y)
			lo[2] = min(lo[2], v.Z)
			hi[0] = max(hi[0], v.X)
			hi[1] = max(hi[1], v.Y)
			hi[2] = max(hi[2], v.Z)
		}
	}
	return [2][3]float64{lo, hi}
}

// edge is a directed edge between two exact vertex positions.
type edge struct{ a, b Vec3 }

// IsWatertight reports whether every edge belongs to exactly two faces with
// consistent orientation: each directed edge must appear exactly once, and
// its reversal exactly once.
func (m *Mesh) IsWatertight() bool {
	if len(m.Triangles) == 0 {
		return false
	}
	counts := make(map[edge]int, len(m.Triangles)*3)
	for _, t := range m.Triangles {
		for i := 0; i < 3; i++ {
			counts[edge{t[i], t[(i+1)%3]}]++
		}
	}
	for e, n := range counts {
		if n != 1 || counts[edge{e.b, e.a}] != 1 {
			return false
		}
	}
	return true
}

// Validate inspects a mesh artifact, failing loudly when the geometry is
// unsuitable for manufacturing. Checks run in order, short-circuiting on the
// first violation, and any violation is a recoverable geometry failure.
//
// An absent artifact is a no-op: the missing file was already reported
// upstream as a different failure class. Load and parse errors are logged as
// warnings rather than failing the attempt; they may reflect transient read
// races, and a false negative here is cheaper than blocking legitimate output.
func Validate(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	m, err := Load(path)
	if err != nil {
		logger.Warn("mesh validation skipped", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}

	if m.FaceCount() == 0 {
		return domain.RecoverableFailure(domain.StageValidating, "generated mesh is empty")
	}
	if !m.IsWatertight() {
		return domain.RecoverableFailure(domain.StageValidating, "generated mesh is not watertight (non-manifold)")
	}
	if m.Volume() <= 0 {
		return domain.RecoverableFailure(domain.StageValidating, "generated mesh has zero or negative volume")
	}
	return nil
}

// Metadata extracts volume and bounding box for response headers.
// Returns nil when the artifact is absent or unreadable; metadata is
// best-effort and never blocks delivery.
func Metadata(path string, logger *slog.Logger) *domain.MeshMetadata {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	m, err := Load(path)
	if err != nil {
		logger.Warn("mesh metadata unavailable", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	return &domain.MeshMetadata{
		Volume: m.Volume(),
		BBox:   m.Bounds(),
	}
}
