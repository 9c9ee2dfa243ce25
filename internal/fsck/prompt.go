package fsck

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Prompter decides whether one repair may be written.
type Prompter interface {
	Confirm(question string) bool
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(question string) bool

func (f PrompterFunc) Confirm(question string) bool { return f(question) }

// Decline refuses every repair.
var Decline Prompter = PrompterFunc(func(string) bool { return false })

// LinePrompter asks on a writer and reads y or n answers from a reader.
// Anything but yes, including the end of input, declines.
type LinePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{in: bufio.NewReader(in), out: out}
}

func (p *LinePrompter) Confirm(question string) bool {
	fmt.Fprintf(p.out, "%s [y/N] ", question)
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(p.out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
