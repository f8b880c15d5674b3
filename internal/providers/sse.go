package providers

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// scanSSE walks a server-sent-event stream, invoking fn once per data frame
// with the current event name. A non-nil error from fn stops the scan.
func scanSSE(ctx context.Context, r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event string
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := fn(event, strings.TrimPrefix(line, "data: ")); err != nil {
				return err
			}
		case line == "":
			// frame boundary
		}
	}
	if err := scanner.Err(); err != nil {
		return &Error{Code: CodeUnreachable, Message: "stream read: " + err.Error()}
	}
	return nil
}
