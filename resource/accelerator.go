package resource

import (
	"fmt"
	"strconv"
	"strings"
)

// AcceleratorRequest asks for Count accelerators of Type on every node of
// the resource, e.g. {Type: "A100", Count: 4}.
type AcceleratorRequest struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

func (a AcceleratorRequest) String() string {
	return fmt.Sprintf("%s:%d", a.Type, a.Count)
}

// ParseAccelerator parses the "TYPE:COUNT" request syntax; a bare "TYPE"
// means a count of one.
func ParseAccelerator(s string) (*AcceleratorRequest, error) {
	if s == "" {
		return nil, &ValidationError{Field: "accelerator", Reason: "empty accelerator request"}
	}

	acceleratorType, countStr, found := strings.Cut(s, ":")
	if acceleratorType == "" {
		return nil, &ValidationError{Field: "accelerator", Reason: fmt.Sprintf("invalid accelerator request '%s'", s)}
	}
	count := 1
	if found {
		var err error
		if count, err = strconv.Atoi(countStr); err != nil || count < 1 {
			return nil, &ValidationError{Field: "accelerator", Reason: fmt.Sprintf("invalid accelerator count in '%s'", s)}
		}
	}

	return &AcceleratorRequest{Type: acceleratorType, Count: count}, nil
}
