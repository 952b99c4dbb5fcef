package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// buildBody resolves the request text from --data and applies every --set
// edit on top of it. Data may be literal text, @path or - for stdin.
func buildBody(data string, sets []string, stdin io.Reader) (string, error) {
	body := "{}"
	switch {
	case data == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read request from stdin: %w", err)
		}
		body = string(b)
	case strings.HasPrefix(data, "@"):
		b, err := os.ReadFile(data[1:])
		if err != nil {
			return "", fmt.Errorf("read request file: %w", err)
		}
		body = string(b)
	case strings.TrimSpace(data) != "":
		body = data
	}

	for _, s := range sets {
		path, value, ok := strings.Cut(s, "=")
		if !ok || path == "" {
			return "", fmt.Errorf("--set %q: want path=value", s)
		}
		var err error
		if gjson.Valid(value) {
			body, err = sjson.SetRaw(body, path, value)
		} else {
			body, err = sjson.Set(body, path, value)
		}
		if err != nil {
			return "", fmt.Errorf("--set %q: %w", s, err)
		}
	}
	return body, nil
}
