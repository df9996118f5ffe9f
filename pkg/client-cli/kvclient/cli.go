package kvclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"

	"Distributed-Consensus/internal/raft"
)

var (
	okColor    = color.New(color.FgGreen)
	errColor   = color.New(color.FgRed)
	warnColor  = color.New(color.FgYellow)
	titleColor = color.New(color.FgCyan, color.Bold)
)

const help = `Commands:
  put <key> <value>   set a key
  del <key>           delete a key
  batch               enter several put/del lines, finish with 'done'
  import <file>       put every pair from a JSON object file
  status              show every node's role, term and indices
  leader              show the cached leader
  help                show this text
  exit                quit`

// CLI is a line-oriented shell over a Client.
type CLI struct {
	client  *Client
	scanner *bufio.Scanner
	out     io.Writer
}

func NewCLI(client *Client, in io.Reader, out io.Writer) *CLI {
	return &CLI{client: client, scanner: bufio.NewScanner(in), out: out}
}

// Run reads commands until exit or end of input.
func (c *CLI) Run(ctx context.Context) {
	titleColor.Fprintln(c.out, "=== Raft Key-Value Client ===")
	fmt.Fprintln(c.out, "Type 'help' for commands.")
	for {
		fmt.Fprint(c.out, "> ")
		if !c.scanner.Scan() {
			fmt.Fprintln(c.out)
			return
		}
		line := strings.TrimSpace(c.scanner.Text())
		if line == "" {
			continue
		}
		if !c.Exec(ctx, line) {
			return
		}
	}
}

// Exec runs one command line. It returns false on exit.
func (c *CLI) Exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	switch strings.ToLower(parts[0]) {
	case "put", "del", "delete":
		c.execOperation(ctx, parts, -1)
	case "batch":
		c.handleBatch(ctx)
	case "import":
		if len(parts) != 2 {
			errColor.Fprintln(c.out, "usage: import <file>")
			return true
		}
		c.handleImport(ctx, parts[1])
	case "status":
		c.handleStatus(ctx)
	case "leader":
		if id := c.client.Leader(); id != "" {
			fmt.Fprintf(c.out, "Leader: %s\n", id)
		} else {
			warnColor.Fprintln(c.out, "No leader known yet")
		}
	case "help":
		fmt.Fprintln(c.out, help)
	case "exit", "quit":
		fmt.Fprintln(c.out, "Exiting...")
		return false
	default:
		errColor.Fprintf(c.out, "Unknown command %q, type 'help'\n", parts[0])
	}
	return true
}

// execOperation runs a put or del. index numbers the line inside a batch,
// -1 outside one.
func (c *CLI) execOperation(ctx context.Context, parts []string, index int) bool {
	prefix := ""
	if index >= 0 {
		prefix = fmt.Sprintf("[%d] ", index+1)
	}

	var (
		res SubmitResult
		err error
	)
	switch op := strings.ToLower(parts[0]); {
	case op == "put" && len(parts) >= 3:
		res, err = c.client.Put(ctx, parts[1], strings.Join(parts[2:], " "))
	case (op == "del" || op == "delete") && len(parts) == 2:
		res, err = c.client.Delete(ctx, parts[1])
	default:
		errColor.Fprintf(c.out, "%sInvalid format: %s\n", prefix, strings.Join(parts, " "))
		return false
	}
	if err != nil {
		errColor.Fprintf(c.out, "%s%s %s: %v\n", prefix, strings.ToUpper(parts[0]), parts[1], err)
		return false
	}
	okColor.Fprintf(c.out, "%s%s %s: accepted by %s at index %d (term %d)\n",
		prefix, strings.ToUpper(parts[0]), parts[1], res.Node, res.Index, res.Term)
	return true
}

func (c *CLI) handleBatch(ctx context.Context) {
	fmt.Fprintln(c.out, "Enter operations (one per line): put key value | del key")
	fmt.Fprintln(c.out, "Enter 'done' when finished")

	var operations [][]string
	for {
		fmt.Fprint(c.out, "batch> ")
		if !c.scanner.Scan() {
			break
		}
		line := strings.TrimSpace(c.scanner.Text())
		if line == "done" {
			break
		}
		if line != "" {
			operations = append(operations, strings.Fields(line))
		}
	}
	if len(operations) == 0 {
		warnColor.Fprintln(c.out, "No operations to perform")
		return
	}

	titleColor.Fprintln(c.out, "=== Results ===")
	success := 0
	for i, op := range operations {
		if c.execOperation(ctx, op, i) {
			success++
		}
	}
	fmt.Fprintf(c.out, "Batch complete: %d/%d accepted\n", success, len(operations))
}

func (c *CLI) handleImport(ctx context.Context, path string) {
	file, err := os.Open(path)
	if err != nil {
		errColor.Fprintf(c.out, "Failed to open file: %v\n", err)
		return
	}
	defer file.Close()

	var data map[string]string
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		errColor.Fprintf(c.out, "Failed to parse JSON: %v\n", err)
		return
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(c.out, "Importing %d key-value pairs...\n", len(keys))
	success := 0
	for _, key := range keys {
		if _, err := c.client.Put(ctx, key, data[key]); err != nil {
			errColor.Fprintf(c.out, "Failed to import key '%s': %v\n", key, err)
			continue
		}
		success++
	}
	fmt.Fprintf(c.out, "Import complete: %d/%d successful\n", success, len(keys))
}

func (c *CLI) handleStatus(ctx context.Context) {
	titleColor.Fprintln(c.out, "=== Cluster Status ===")
	for _, ns := range c.client.ClusterStatus(ctx) {
		if ns.Err != nil {
			errColor.Fprintf(c.out, "%-10s %-21s unreachable: %v\n", ns.ID, ns.Addr, ns.Err)
			continue
		}
		st := ns.Status
		line := fmt.Sprintf("%-10s %-21s %-9s term=%d commit=%d last=%d/%d leader=%s",
			ns.ID, ns.Addr, st.Role, st.Term, st.CommitIndex, st.LastLogIndex, st.LastLogTerm, st.Leader)
		if st.Role == raft.Leader {
			okColor.Fprintln(c.out, line)
		} else {
			fmt.Fprintln(c.out, line)
		}
	}
}
