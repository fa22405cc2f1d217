package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/okian/kudos/internal/domain/types"
)

const maxLineBytes = 1 << 20

// readEvents parses one EventRequest per line. Blank lines and lines
// starting with # are skipped.
func readEvents(path string) ([]types.EventRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events: %w", err)
	}
	defer f.Close()
	return decodeEvents(f)
}

func decodeEvents(r io.Reader) ([]types.EventRequest, error) {
	var out []types.EventRequest
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var req types.EventRequest
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return nil, fmt.Errorf("%w %d: %w", ErrBadEventLine, line, err)
		}
		out = append(out, req)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}

func writeEvents(w io.Writer, events []types.EventRequest) error {
	enc := json.NewEncoder(w)
	for i := range events {
		if err := enc.Encode(events[i]); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return nil
}
