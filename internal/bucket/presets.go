package bucket

import (
	"sort"

	"github.com/pkg/errors"
)

// Target names of the annotated score columns.
const (
	EmotionalPolarity = "EmotionalPolarity"
	Emotion           = "Emotion"
	Empathy           = "Empathy"
)

type preset struct {
	edges  []float64
	labels []int
}

var presets = map[string]preset{
	EmotionalPolarity: {
		edges:  []float64{-0.25, 0.25, 0.75, 1.25, 1.75, 3},
		labels: []int{0, 1, 2, 3, 4},
	},
	Emotion: {
		edges:  []float64{-0.25, 0.25, 0.75, 1.25, 1.75, 2.25, 2.75, 3.5, 4.5, 5.5},
		labels: []int{0, 1, 2, 3, 4, 5, 6, 7, 8},
	},
	Empathy: {
		edges:  []float64{-0.25, 0.25, 0.75, 1.25, 1.75, 2.25, 2.75, 3.25, 3.75, 4.25, 4.75, 5.5},
		labels: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	},
}

// Preset returns the Bucketizer registered for target.
func Preset(target string) (*Bucketizer, error) {
	p, ok := presets[target]
	if !ok {
		return nil, errors.Errorf("bucket: unknown target %q (known: %v)", target, PresetNames())
	}
	return New(p.edges, p.labels)
}

// PresetNames lists the registered targets in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
