package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w io.WriteCloser
}

func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return wc.w.Write([]byte(s))
}

func (wc *WriteCloser) Close() error {
	return wc.w.Close()
}

// Printer is the console surface of the CLI voice agent: indented,
// line-oriented output fanned out to one or more sinks.
type Printer struct {
	mu     sync.Mutex
	indStr string
	sinks  []StringWriteCloser
}

func NewPrinter(indentString string, sinks ...StringWriteCloser) (*Printer, error) {
	if len(sinks) == 0 {
		return nil, errors.New("no sink provided")
	}
	for _, sink := range sinks {
		if sink == nil {
			return nil, errors.New("a nil pointed sink is given")
		}
	}
	return &Printer{
		indStr: indentString,
		sinks:  sinks,
	}, nil
}

func (p *Printer) Write(s string, ind int) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(s, ind)
}

func (p *Printer) Writeln(s string, ind int) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.write(s, ind); err != nil {
		return err
	}
	for _, sink := range p.sinks {
		if _, err := sink.WriteString("\n"); err != nil {
			return fmt.Errorf("on writing newline to sink: %w", err)
		}
	}
	return nil
}

func (p *Printer) write(s string, ind int) error {
	indent := strings.Repeat(p.indStr, ind)
	firstLine := true
	for line := range strings.SplitSeq(s, "\n") {
		if !firstLine {
			line = "\n" + indent + line
		} else {
			firstLine = false
			line = indent + line
		}
		for _, sink := range p.sinks {
			if _, err := sink.WriteString(line); err != nil {
				return fmt.Errorf("on writing to sink: %w", err)
			}
		}
	}
	return nil
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil {
			return fmt.Errorf("on closing sink: %w", err)
		}
	}
	return nil
}
