package convert

import "math"

// mat4 is a row-major 4x4 matrix acting on column vectors, so a
// translation lives in the last column.
type mat4 [4][4]float64

func identity() mat4 {
	return mat4{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

func (a mat4) mul(b mat4) mat4 {
	var out mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += a[r][k] * b[k][c]
			}
			out[r][c] = s
		}
	}
	return out
}

func (a mat4) transpose() mat4 {
	var out mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r][c] = a[c][r]
		}
	}
	return out
}

func (a mat4) point(p [3]float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = a[r][0]*p[0] + a[r][1]*p[1] + a[r][2]*p[2] + a[r][3]
	}
	return out
}

func (a mat4) direction(v [3]float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = a[r][0]*v[0] + a[r][1]*v[1] + a[r][2]*v[2]
	}
	return out
}

// det3 is the determinant of the linear (upper 3x3) part. A negative value
// means the transform mirrors geometry.
func (a mat4) det3() float64 {
	return a[0][0]*(a[1][1]*a[2][2]-a[1][2]*a[2][1]) -
		a[0][1]*(a[1][0]*a[2][2]-a[1][2]*a[2][0]) +
		a[0][2]*(a[1][0]*a[2][1]-a[1][1]*a[2][0])
}

// inverse uses Gauss-Jordan elimination with partial pivoting.
func (a mat4) inverse() (mat4, bool) {
	m := a
	inv := identity()
	for col := 0; col < 4; col++ {
		pivot := col
		for r := col + 1; r < 4; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return mat4{}, false
		}
		m[col], m[pivot] = m[pivot], m[col]
		inv[col], inv[pivot] = inv[pivot], inv[col]

		d := m[col][col]
		for c := 0; c < 4; c++ {
			m[col][c] /= d
			inv[col][c] /= d
		}
		for r := 0; r < 4; r++ {
			if r == col {
				continue
			}
			f := m[r][col]
			for c := 0; c < 4; c++ {
				m[r][c] -= f * m[col][c]
				inv[r][c] -= f * inv[col][c]
			}
		}
	}
	return inv, true
}

// normalMatrix returns the inverse transpose used to carry normals.
func (a mat4) normalMatrix() (mat4, bool) {
	inv, ok := a.inverse()
	if !ok {
		return mat4{}, false
	}
	return inv.transpose(), true
}

func translation(t [3]float64) mat4 {
	m := identity()
	m[0][3], m[1][3], m[2][3] = t[0], t[1], t[2]
	return m
}

func scaling(s [3]float64) mat4 {
	m := identity()
	m[0][0], m[1][1], m[2][2] = s[0], s[1], s[2]
	return m
}

func rotation(axis byte, degrees float64) mat4 {
	rad := degrees * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	m := identity()
	switch axis {
	case 'X':
		m[1][1], m[1][2], m[2][1], m[2][2] = c, -s, s, c
	case 'Y':
		m[0][0], m[0][2], m[2][0], m[2][2] = c, s, -s, c
	case 'Z':
		m[0][0], m[0][1], m[1][0], m[1][1] = c, -s, s, c
	}
	return m
}

// quaternion builds a rotation from (w, x, y, z).
func quaternion(w, x, y, z float64) (mat4, bool) {
	n := math.Sqrt(w*w + x*x + y*y + z*z)
	if n < 1e-12 {
		return mat4{}, false
	}
	w, x, y, z = w/n, x/n, y/n, z/n
	m := identity()
	m[0][0] = 1 - 2*(y*y+z*z)
	m[0][1] = 2 * (x*y - w*z)
	m[0][2] = 2 * (x*z + w*y)
	m[1][0] = 2 * (x*y + w*z)
	m[1][1] = 1 - 2*(x*x+z*z)
	m[1][2] = 2 * (y*z - w*x)
	m[2][0] = 2 * (x*z - w*y)
	m[2][1] = 2 * (y*z + w*x)
	m[2][2] = 1 - 2*(x*x+y*y)
	return m, true
}

// fromRowVector converts a matrix written for row vectors (translation in
// the last row, as USD and simd store it) into this package's convention.
func fromRowVector(v []float64) mat4 {
	var m mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m[c][r] = v[r*4+c]
		}
	}
	return m
}

// stageAxes maps stage units and up axis onto glTF's Y-up metres.
func stageAxes(upAxis string, metersPerUnit float64) mat4 {
	m := scaling([3]float64{metersPerUnit, metersPerUnit, metersPerUnit})
	if upAxis == "Z" {
		// (x, y, z) -> (x, z, -y)
		m = rotation('X', -90).mul(m)
	}
	return m
}

func normalize(v [3]float64) [3]float64 {
	l := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if l < 1e-12 {
		return v
	}
	return [3]float64{v[0] / l, v[1] / l, v[2] / l}
}

func finite(v [3]float64) bool {
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func to32(v [3]float64) [3]float32 {
	return [3]float32{float32(v[0]), float32(v[1]), float32(v[2])}
}
