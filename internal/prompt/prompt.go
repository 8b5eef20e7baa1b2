// Package prompt reads operator input from a terminal.
package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// Console writes prompts to out and reads answers line by line from in.
type Console struct {
	out io.Writer

	mu    sync.Mutex
	lines chan lineResult
	start sync.Once
	in    *bufio.Reader
}

type lineResult struct {
	line string
	err  error
}

// NewConsole creates a Console.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		out:   out,
		in:    bufio.NewReader(in),
		lines: make(chan lineResult),
	}
}

// PromptLine prints prompt and waits for one line of input. The pending read
// survives a cancelled ctx and answers the next call.
func (c *Console) PromptLine(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprint(c.out, prompt); err != nil {
		return "", fmt.Errorf("prompt: write: %w", err)
	}

	c.start.Do(func() { go c.readLoop() })

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-c.lines:
		return res.line, res.err
	}
}

// readLoop forwards lines until the input ends.
func (c *Console) readLoop() {
	for {
		line, err := c.in.ReadString('\n')
		if err != nil && !(err == io.EOF && line != "") {
			c.lines <- lineResult{err: fmt.Errorf("prompt: read: %w", err)}
			return
		}
		c.lines <- lineResult{line: line}
		if err != nil {
			c.lines <- lineResult{err: fmt.Errorf("prompt: read: %w", io.EOF)}
			return
		}
	}
}
