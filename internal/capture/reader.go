package capture

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// ReadCodes emits one code per non-empty line read from r. The channel is
// closed at EOF, on a read error or when ctx ends. A read blocked in r is
// only released by closing r.
func ReadCodes(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			code := strings.TrimSpace(scanner.Text())
			if code == "" {
				continue
			}
			select {
			case out <- code:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
