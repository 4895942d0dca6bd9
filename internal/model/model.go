// Package model holds the trainable text classifiers and their optimizer.
package model

import "gonum.org/v1/gonum/mat"

// Batch represents a minibatch of tokenized texts and their ordinal labels.
type Batch struct {
	Inputs [][]int
	Masks  [][]int
	Labels []int
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int { return len(b.Inputs) }

// Objective scores a batch and returns the loss value and its gradient with
// respect to scores.
type Objective func(scores mat.Matrix, labels []int) (float64, *mat.Dense, error)

// Model defines the training functionality the trainer relies on.
type Model interface {
	NumClasses() int
	// Scores returns unnormalised class scores [batch, classes].
	Scores(batch Batch) *mat.Dense
	// TrainStep runs forward, objective, backward and one optimizer update.
	TrainStep(batch Batch, obj Objective) (float64, error)
}
