package redirect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultDir holds the rule files.
	DefaultDir = "redirects"
	// DefaultFile is used when no rule file is configured.
	DefaultFile = "default.csv"

	fieldsPerLine = 3
)

// ErrMalformedLine is matched by every *LineError.
var ErrMalformedLine = errors.New("malformed redirect line")

// LineError reports a rule line that does not have exactly three fields.
type LineError struct {
	File   string
	Line   int
	Fields int
}

func (e *LineError) Error() string {
	return fmt.Sprintf("redirect file %q: line %d: expected %d comma separated fields, got %d",
		e.File, e.Line, fieldsPerLine, e.Fields)
}

func (e *LineError) Is(target error) bool { return target == ErrMalformedLine }

// LoadFile reads dir/name and returns its rules in file order. Any malformed
// line fails the whole load.
func LoadFile(ctx context.Context, dir, name string) ([]Rule, error) {
	if name == "" {
		name = DefaultFile
	}
	path := filepath.Join(dir, name)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open redirect file %q: %w", path, err)
	}
	defer f.Close()

	return LoadReader(ctx, path, f)
}

// LoadReader parses rule lines from r. name only shows up in errors.
func LoadReader(ctx context.Context, name string, r io.Reader) ([]Rule, error) {
	var rules []Rule

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("redirect file %q: line %d: %w", name, lineNo, err)
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) != fieldsPerLine {
			return nil, &LineError{File: name, Line: lineNo, Fields: len(parts)}
		}

		rules = append(rules, Rule{
			Source:      parts[0],
			Destination: parts[1],
			Permanent:   ParsePermanent(parts[2]),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read redirect file %q: %w", name, err)
	}

	return rules, nil
}
