package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/policy"
	"github.com/agentmesh-ai/agentmesh/internal/proxy"
)

// cmdProxy runs the standalone governance proxy: a stdio JSON-RPC gate
// wrapped around a child tool server. Policies load from a local
// directory and trust is tracked in the gate's own ledger, so no mesh
// node is needed.
func cmdProxy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("proxy", flag.ExitOnError)
	did := fs.String("did", "", "agent DID the gated calls are attributed to")
	policyDir := fs.String("policy-dir", "", "directory of policy YAML files")
	auditFile := fs.String("audit-file", "", "optional JSONL file for gate audit entries")
	_ = fs.Parse(args)

	if *did == "" || *policyDir == "" {
		return fmt.Errorf("usage: agentmesh proxy --did DID --policy-dir DIR -- COMMAND [ARGS...]")
	}
	cmdArgs := fs.Args()
	if len(cmdArgs) == 0 {
		return fmt.Errorf("no tool server command given after --")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	engine, err := policy.New(nil, nil, logger)
	if err != nil {
		return err
	}
	defer engine.Close()
	n, err := engine.LoadDirectory(ctx, *policyDir)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	logger.Info("policies loaded", "count", n, "dir", *policyDir)

	var recorder proxy.Recorder
	if *auditFile != "" {
		fr, err := newFileRecorder(*auditFile)
		if err != nil {
			return err
		}
		defer fr.Close()
		recorder = fr
	}

	child := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	child.Stderr = os.Stderr
	childIn, err := child.StdinPipe()
	if err != nil {
		return err
	}
	childOut, err := child.StdoutPipe()
	if err != nil {
		return err
	}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start tool server: %w", err)
	}

	fwd := &stdioForwarder{
		in:  childIn,
		out: bufio.NewReaderSize(childOut, 1<<20),
	}
	gate := proxy.New(engine, fwd, recorder, nil, nil, logger)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out, err := gate.Intercept(ctx, *did, line)
		if err != nil {
			logger.Error("gate error", "error", err)
			break
		}
		if len(out) > 0 {
			fmt.Println(string(out))
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("stdin read failed", "error", err)
	}

	childIn.Close()
	return child.Wait()
}

// stdioForwarder pipes requests to the child's stdin and reads one
// response line back. Notifications (no id) get no response, so the
// forwarder returns nothing for them instead of blocking.
type stdioForwarder struct {
	mu  sync.Mutex
	in  io.Writer
	out *bufio.Reader
}

func (f *stdioForwarder) Forward(_ context.Context, raw []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.in.Write(append(raw, '\n')); err != nil {
		return nil, fmt.Errorf("write to tool server: %w", err)
	}

	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(raw, &probe) == nil && probe.ID == nil {
		return nil, nil
	}

	line, err := f.out.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read from tool server: %w", err)
	}
	return bytes.TrimSpace(line), nil
}

// fileRecorder appends audit entries as JSON lines.
type fileRecorder struct {
	mu sync.Mutex
	f  *os.File
}

func newFileRecorder(path string) (*fileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &fileRecorder{f: f}, nil
}

func (r *fileRecorder) Record(_ context.Context, entry model.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.f.Write(append(raw, '\n'))
	return err
}

func (r *fileRecorder) Close() error {
	return r.f.Close()
}
