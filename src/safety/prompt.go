package safety

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Options carries the global safety flags.
type Options struct {
	// DryRun shows planned actions without making changes.
	DryRun bool
	// Yes assumes 'yes' to prompts for non-interactive runs.
	Yes bool
	// Force enables operations that are refused by default, such as a
	// forced rollback of an orphaned snapshot.
	Force bool
}

// Confirm prompts the user before a destructive action.
// - In dry-run mode it returns false with no error: nothing should happen.
// - With Yes set it returns true without prompting.
func Confirm(opts Options, in io.Reader, out io.Writer, question string) (bool, error) {
	if opts.DryRun {
		return false, nil
	}
	if opts.Yes {
		return true, nil
	}
	if out != nil {
		fmt.Fprintf(out, "%s [y/N]: ", strings.TrimSpace(question))
	}
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	ans := strings.TrimSpace(strings.ToLower(line))
	return ans == "y" || ans == "yes", nil
}
