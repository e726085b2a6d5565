package nn

// Mode selects between training behaviour (batch statistics, dropout,
// gradient caches) and evaluation behaviour (running statistics,
// deterministic forward).
type Mode int

const (
	Train Mode = iota
	Eval
)

// Precision is the numeric policy applied to activations during a forward
// pass. Half rounds every stage output through float16; the loss itself is
// always computed in full precision.
type Precision int

const (
	Full Precision = iota
	Half
)
