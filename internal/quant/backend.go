package quant

// Constructor builds the quantized replacement for one calibrated block.
type Constructor func(*Block) (QBlock, error)

// BackendConfig maps fused block kinds to quantized constructors. It is a
// plain value owned by one pipeline; two pipelines with different configs
// can run in the same process without interference.
type BackendConfig struct {
	Constructors map[BlockKind]Constructor
}

// Register installs or replaces the constructor for a block kind.
func (c *BackendConfig) Register(kind BlockKind, ctor Constructor) {
	if c.Constructors == nil {
		c.Constructors = make(map[BlockKind]Constructor)
	}
	c.Constructors[kind] = ctor
}

// DefaultBackend covers every fused kind the prepare phase emits with the
// reference integer convolution.
func DefaultBackend() BackendConfig {
	var c BackendConfig
	c.Register(KindSubMConvBNReLU, newQuantizedConv)
	c.Register(KindSparseConvBNReLU, newQuantizedConv)
	c.Register(KindSparseConv, newQuantizedConv)
	return c
}
