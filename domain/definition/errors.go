package definition

import (
	"strconv"
	"strings"
)

// InvalidDefinitionError carries every validation error found, not just the
// first, per §4.1 "Fails with InvalidDefinition carrying all errors found".
type InvalidDefinitionError struct {
	Errors []string
}

func (e *InvalidDefinitionError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid definition: " + e.Errors[0]
	}
	return "invalid definition (" + strconv.Itoa(len(e.Errors)) + " errors):\n  - " + strings.Join(e.Errors, "\n  - ")
}
