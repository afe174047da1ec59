package nnet

import "fmt"

// ShapeMismatchError indicates input whose dimensions do not match the
// network input shape.
type ShapeMismatchError struct {
	Want []int
	Got  []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: network expects %v, input is %v", e.Want, e.Got)
}

// TrainingAbortedError indicates a failure during the training loop. The run
// is not recoverable, the unit of restart is the whole process.
type TrainingAbortedError struct {
	Epoch int
	Err   error
}

func (e *TrainingAbortedError) Error() string {
	return fmt.Sprintf("training aborted at epoch %d: %s", e.Epoch, e.Err)
}

func (e *TrainingAbortedError) Unwrap() error { return e.Err }
