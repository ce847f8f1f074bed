package models

// Decision is the outcome of reconciling one file.
type Decision int

const (
	DecisionNoOp Decision = iota
	DecisionDownload
	DecisionUpload
	DecisionConflict
	DecisionDeleted
)

func (d Decision) String() string {
	switch d {
	case DecisionNoOp:
		return "noop"
	case DecisionDownload:
		return "download"
	case DecisionUpload:
		return "upload"
	case DecisionConflict:
		return "conflict"
	case DecisionDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Transfers reports whether the decision moves file content.
func (d Decision) Transfers() bool {
	return d == DecisionDownload || d == DecisionUpload
}
