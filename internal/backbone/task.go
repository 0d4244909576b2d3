package backbone

// Task selects the heads built on top of the transformer encoder.
type Task int

const (
	// TaskPretraining builds the reconstruction decoder, for masked patch modelling.
	TaskPretraining Task = iota

	// TaskClassification builds the pooled classifier head.
	TaskClassification
)

//go:generate go tool enumer -type=Task -trimprefix=Task -transform=snake -values -text task.go

// ForwardMode controls how the embeddings pick the masked patches during pretraining.
type ForwardMode int

const (
	// ModeRandom samples a new mask for every call, hiding a MaskRatio fraction of the valid patches.
	ModeRandom ForwardMode = iota

	// ModeGeneration uses the patch mask given by the caller.
	ModeGeneration
)

//go:generate go tool enumer -type=ForwardMode -trimprefix=Mode -transform=snake -values -text task.go
