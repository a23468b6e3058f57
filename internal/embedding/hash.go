package embedding

import "math"

// HashEmbedder derives a deterministic vector from the character codes of
// the text. It carries no semantic signal beyond shared characters, but
// keeps the pipeline working when no remote model is reachable.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	return HashEmbedder{dim: dim}
}

func (h HashEmbedder) Dimensions() int { return h.dim }

// Embed returns a unit vector. Empty text maps to the first basis vector.
func (h HashEmbedder) Embed(text string) []float32 {
	vec := make([]float64, h.dim)
	i := 0
	for _, r := range text {
		vec[i%h.dim] += float64(r) / 1000
		i++
	}
	out, ok := normalize(vec)
	if !ok {
		return basisVector(h.dim)
	}
	return out
}

// normalize scales vec to unit L2 norm. It reports false for a zero vector.
func normalize(vec []float64) ([]float32, bool) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, false
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, true
}

func normalize32(vec []float32) ([]float32, bool) {
	wide := make([]float64, len(vec))
	for i, v := range vec {
		wide[i] = float64(v)
	}
	return normalize(wide)
}

func basisVector(dim int) []float32 {
	out := make([]float32, dim)
	out[0] = 1
	return out
}

// Cosine returns the cosine similarity of two equal-length vectors, 0 when
// either is zero or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
