// File: cmd/solver.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
)

// promptSolver hands CAPTCHA challenges to the operator and reads the
// solved token back, one line per challenge.
type promptSolver struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer

	// pending is a read left running by a cancelled Solve.
	pending chan tokenLine
}

func newPromptSolver(in io.Reader, out io.Writer) *promptSolver {
	return &promptSolver{in: bufio.NewReader(in), out: out}
}

type tokenLine struct {
	token string
	err   error
}

// Solve blocks until a token line is read or ctx ends.
func (s *promptSolver) Solve(ctx context.Context, challenge schemas.Challenge) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.out, "\nCAPTCHA on %s", challenge.TargetID)
	if challenge.Kind != "" {
		fmt.Fprintf(s.out, " (%s)", challenge.Kind)
	}
	fmt.Fprintf(s.out, "\n  page: %s\n", challenge.PageURL)
	if challenge.SiteKey != "" {
		fmt.Fprintf(s.out, "  site key: %s\n", challenge.SiteKey)
	}
	fmt.Fprint(s.out, "Paste the solved token: ")

	if s.pending == nil {
		result := make(chan tokenLine, 1)
		go func() {
			line, err := s.in.ReadString('\n')
			result <- tokenLine{token: strings.TrimSpace(line), err: err}
		}()
		s.pending = result
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-s.pending:
		s.pending = nil
		if r.token == "" {
			if r.err != nil && !errors.Is(r.err, io.EOF) {
				return "", fmt.Errorf("failed to read token: %w", r.err)
			}
			return "", errors.New("no token entered")
		}
		return r.token, nil
	}
}
