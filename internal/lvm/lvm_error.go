package lvm

import (
	"regexp"

	"github.com/topolvm/snapback/internal/command"
)

var (
	// NotFoundPattern is a regular expression that matches the error message when a volume group or logical volume is not found.
	// The volume group might not be present or the logical volume might not be present in the volume group.
	NotFoundPattern = regexp.MustCompile(`Volume group "(.*?)" not found|Failed to find logical volume "(.*?)"`)
)

// IsLVMNotFound returns true if the error is from a failed lvm command and it determined that either
// the underlying volume group or logical volume is not found.
func IsLVMNotFound(err error) bool {
	cmdErr, ok := command.AsCommandError(err)

	// If the exit code is not 5, it is guaranteed that the error is not a not found error.
	if !ok || cmdErr.ExitCode() != 5 {
		return false
	}

	return NotFoundPattern.MatchString(cmdErr.Stderr())
}
