package agent

import (
	"math"
	"math/rand"
)

// network is a two-layer perceptron with a tanh hidden layer. The same
// shape serves both the actor (output per direction, softmaxed by the
// caller) and the critic (single output, read as a state value).
type network struct {
	W1 [][]float64 `json:"w1"`
	B1 []float64   `json:"b1"`
	W2 [][]float64 `json:"w2"`
	B2 []float64   `json:"b2"`

	inputCache  []float64
	hiddenCache []float64
}

func newNetwork(rng *rand.Rand, inputSize, hiddenSize, outputSize int) *network {
	return &network{
		W1: randomMatrix(rng, hiddenSize, inputSize),
		B1: make([]float64, hiddenSize),
		W2: randomMatrix(rng, outputSize, hiddenSize),
		B2: make([]float64, outputSize),
	}
}

func randomMatrix(rng *rand.Rand, rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	scale := math.Sqrt(2.0 / float64(cols))
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = rng.NormFloat64() * scale
		}
	}
	return m
}

func (n *network) forward(input []float64) []float64 {
	n.inputCache = input
	hidden := make([]float64, len(n.B1))
	for i := range n.W1 {
		sum := n.B1[i]
		for j, w := range n.W1[i] {
			sum += w * input[j]
		}
		hidden[i] = math.Tanh(sum)
	}
	n.hiddenCache = hidden

	out := make([]float64, len(n.B2))
	for i := range n.W2 {
		sum := n.B2[i]
		for j, w := range n.W2[i] {
			sum += w * hidden[j]
		}
		out[i] = sum
	}
	return out
}

// backward applies one SGD step given the gradient of the loss with
// respect to each output. forward must have been called right before.
func (n *network) backward(gradOut []float64, lr float64) {
	dHidden := make([]float64, len(n.hiddenCache))
	for i, g := range gradOut {
		for j := range n.hiddenCache {
			dHidden[j] += n.W2[i][j] * g
		}
	}
	for i, g := range gradOut {
		for j, h := range n.hiddenCache {
			n.W2[i][j] -= lr * g * h
		}
		n.B2[i] -= lr * g
	}
	for j, h := range n.hiddenCache {
		dHidden[j] *= 1 - h*h
	}
	for i, d := range dHidden {
		for j, x := range n.inputCache {
			n.W1[i][j] -= lr * d * x
		}
		n.B1[i] -= lr * d
	}
}

func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func finite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
