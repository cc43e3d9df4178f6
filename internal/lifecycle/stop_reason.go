package lifecycle

// StopReason is logged with the final "stopping" line.
type StopReason string

const (
	StopSignal           StopReason = "signal"
	StopFatalError       StopReason = "fatal_error"
	StopUnexpectedReturn StopReason = "unexpected_return"
)
