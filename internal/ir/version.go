package ir

// Version constants stamped into sealed documents.
const (
	// BundleLayoutVersion is the validation bundle layout version.
	BundleLayoutVersion = "1"

	// ReceiptVersion is the gate receipt schema version this kernel emits.
	ReceiptVersion = "v1"

	// KernelVersion is the sealkit kernel version.
	KernelVersion = "0.3.0"
)
