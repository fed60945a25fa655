package loader

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// TerminalApprover implements the interactive review gate: it prints the
// generated source and blocks until the reader answers yes or no.
type TerminalApprover struct {
	In  io.Reader
	Out io.Writer
}

// Approve implements Approver.
func (t *TerminalApprover) Approve(unitName, source string) (bool, error) {
	fmt.Fprintf(t.Out, "Generated code for %s:\n%s\n", unitName, source)
	fmt.Fprint(t.Out, "Run this code? [y/N]: ")

	line, err := bufio.NewReader(t.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("review prompt failed: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
