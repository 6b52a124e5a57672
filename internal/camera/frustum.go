package camera

import "github.com/go-gl/mathgl/mgl64"

// Box is an axis aligned bounding box in world space.
type Box struct {
	Min mgl64.Vec3
	Max mgl64.Vec3
}

func (b Box) Center() mgl64.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Frustum holds six planes (a, b, c, d) with normals pointing inwards.
type Frustum struct {
	planes [6]mgl64.Vec4
}

// NewFrustum extracts the clip planes of an OpenGL style view-projection matrix.
func NewFrustum(m mgl64.Mat4) Frustum {
	r0, r1, r2, r3 := m.Row(0), m.Row(1), m.Row(2), m.Row(3)
	f := Frustum{planes: [6]mgl64.Vec4{
		r3.Add(r0), // left
		r3.Sub(r0), // right
		r3.Add(r1), // bottom
		r3.Sub(r1), // top
		r3.Add(r2), // near
		r3.Sub(r2), // far
	}}
	for i, p := range f.planes {
		l := p.Vec3().Len()
		if l > 0 {
			f.planes[i] = p.Mul(1 / l)
		}
	}
	return f
}

// IntersectsBox reports whether any part of the box may be inside the frustum.
// The test is conservative: boxes near frustum corners can report true.
func (f Frustum) IntersectsBox(box Box) bool {
	for _, p := range f.planes {
		v := box.Min
		if p.X() >= 0 {
			v[0] = box.Max.X()
		}
		if p.Y() >= 0 {
			v[1] = box.Max.Y()
		}
		if p.Z() >= 0 {
			v[2] = box.Max.Z()
		}
		if p.Vec3().Dot(v)+p.W() < 0 {
			return false
		}
	}
	return true
}

func (f Frustum) ContainsPoint(v mgl64.Vec3) bool {
	for _, p := range f.planes {
		if p.Vec3().Dot(v)+p.W() < 0 {
			return false
		}
	}
	return true
}
