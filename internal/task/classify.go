package task

import (
	"strings"
)

// Branch selects the processing behavior for a task. Classification is a
// pure function evaluated once at the start of processing.
type Branch string

const (
	BranchEmail   Branch = "email"
	BranchFile    Branch = "file"
	BranchGeneric Branch = "generic"
)

// Classify maps a task to its processing branch. An explicit task_type
// wins; otherwise a case-insensitive keyword in the name decides.
func Classify(taskType, name string) Branch {
	switch strings.ToLower(strings.TrimSpace(taskType)) {
	case "email":
		return BranchEmail
	case "file":
		return BranchFile
	}

	lower := strings.ToLower(name)
	if strings.Contains(lower, "email") {
		return BranchEmail
	}
	if strings.Contains(lower, "file") {
		return BranchFile
	}
	return BranchGeneric
}
