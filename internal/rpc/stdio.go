package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// ServeStdio is the minimal stdio tool-protocol shim (spec.md §1, §6):
// it reads newline-delimited Requests from r, forwards each over a fresh
// connection to the daemon's control socket at socketPath (a Client serves
// one round trip), and writes the Response back to w. This is deliberately
// thin glue, not a full MCP implementation.
func ServeStdio(r io.Reader, w io.Writer, socketPath string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			writeLine(w, Response{Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}

		client, err := Dial(socketPath, 0)
		if err != nil || client == nil {
			writeLine(w, Response{Error: "kgd is not running"})
			continue
		}
		resp, err := client.Execute(req.Operation, json.RawMessage(req.Args))
		_ = client.Close()
		if err != nil && resp == nil {
			writeLine(w, Response{Error: err.Error()})
			continue
		}
		writeLine(w, *resp)
	}
	return scanner.Err()
}

func writeLine(w io.Writer, resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_, _ = w.Write(raw)
	_, _ = w.Write([]byte("\n"))
}
