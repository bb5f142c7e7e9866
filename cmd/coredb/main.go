// Command coredb is an interactive admin shell for a running coredb
// server: OPEN a file, FETCH/NEW/UNPIN/FLUSH/DELETE pages, and inspect
// STATS, one command per line.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/coredb/coredb/pkg/wire"
)

// Client is a synchronous connection to a coredb admin server.
type Client struct {
	conn net.Conn
	mu   sync.Mutex
	id   atomic.Uint64
}

// Dial connects to addr with the given timeout.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Send issues req and waits for the matching response.
func (c *Client) Send(req wire.AdminRequest) (wire.AdminResponse, error) {
	req.ID = c.id.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteFrame(c.conn, req); err != nil {
		return wire.AdminResponse{}, err
	}
	var resp wire.AdminResponse
	if err := wire.ReadFrame(c.conn, &resp); err != nil {
		return wire.AdminResponse{}, err
	}
	if resp.ID != req.ID {
		return wire.AdminResponse{}, fmt.Errorf("coredb: response id mismatch: got=%d want=%d", resp.ID, req.ID)
	}
	return resp, nil
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".coredb_history"
	}
	return filepath.Join(home, ".coredb_history")
}

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:6543", "server address")
		timeout  = flag.Duration("timeout", 3*time.Second, "dial timeout")
		histPath = flag.String("history", defaultHistoryPath(), "history file path")
	)
	flag.Parse()

	cli, err := Dial(*addr, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = cli.Close() }()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "coredb> ",
		HistoryFile:     *histPath,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = rl.Close() }()

	fmt.Printf("connected to %s\n", *addr)
	fmt.Println("commands: open <path> | new <fd> | fetch <fd> <page> | unpin <fd> <page> [dirty] [hexdata] | flush <fd> <page> | delete <fd> <page> | stats | quit")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			fmt.Println("^C")
			continue
		}
		if err != nil {
			fmt.Println()
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" || line == "\\q" {
			return
		}

		req, err := parseCommand(line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}

		resp, err := cli.Send(req)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		printResponse(resp)
	}
}

func parseCommand(line string) (wire.AdminRequest, error) {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])

	switch cmd {
	case "OPEN":
		if len(fields) != 2 {
			return wire.AdminRequest{}, fmt.Errorf("usage: open <path>")
		}
		return wire.AdminRequest{Cmd: "OPEN", Data: fields[1]}, nil

	case "NEW":
		if len(fields) != 2 {
			return wire.AdminRequest{}, fmt.Errorf("usage: new <fd>")
		}
		fd, err := parseInt32(fields[1])
		if err != nil {
			return wire.AdminRequest{}, err
		}
		return wire.AdminRequest{Cmd: "NEW", FD: fd}, nil

	case "FETCH", "FLUSH", "DELETE":
		if len(fields) != 3 {
			return wire.AdminRequest{}, fmt.Errorf("usage: %s <fd> <page>", strings.ToLower(cmd))
		}
		fd, err := parseInt32(fields[1])
		if err != nil {
			return wire.AdminRequest{}, err
		}
		pageNo, err := parseUint32(fields[2])
		if err != nil {
			return wire.AdminRequest{}, err
		}
		return wire.AdminRequest{Cmd: cmd, FD: fd, PageNo: pageNo}, nil

	case "UNPIN":
		if len(fields) < 3 || len(fields) > 5 {
			return wire.AdminRequest{}, fmt.Errorf("usage: unpin <fd> <page> [dirty] [hexdata]")
		}
		fd, err := parseInt32(fields[1])
		if err != nil {
			return wire.AdminRequest{}, err
		}
		pageNo, err := parseUint32(fields[2])
		if err != nil {
			return wire.AdminRequest{}, err
		}
		req := wire.AdminRequest{Cmd: "UNPIN", FD: fd, PageNo: pageNo}
		if len(fields) >= 4 {
			req.Dirty = fields[3] == "dirty" || fields[3] == "true"
		}
		if len(fields) == 5 {
			if _, err := hex.DecodeString(fields[4]); err != nil {
				return wire.AdminRequest{}, fmt.Errorf("bad hex payload: %w", err)
			}
			req.Data = fields[4]
		}
		return req, nil

	case "STATS":
		return wire.AdminRequest{Cmd: "STATS"}, nil

	default:
		return wire.AdminRequest{}, fmt.Errorf("unknown command %q", fields[0])
	}
}

func parseInt32(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad integer %q", s)
	}
	return int32(v), nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad integer %q", s)
	}
	return uint32(v), nil
}

func printResponse(resp wire.AdminResponse) {
	if resp.Error != "" {
		fmt.Printf("error: %s\n", resp.Error)
		return
	}
	if resp.Stats != nil {
		fmt.Printf("hits=%d misses=%d evictions=%d\n", resp.Stats.Hits, resp.Stats.Misses, resp.Stats.Evictions)
		return
	}
	fmt.Printf("OK fd=%d page=%d pin=%d dirty=%t\n", resp.FD, resp.PageNo, resp.PinCount, resp.Dirty)
	if resp.Data != "" {
		fmt.Printf("data=%s\n", truncate(resp.Data, 120))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
