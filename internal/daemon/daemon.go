package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/coding-harness/internal/backend"
	"github.com/antigravity-dev/coding-harness/internal/config"
	"github.com/antigravity-dev/coding-harness/internal/state"
)

// request is one line of the daemon's JSON-RPC protocol.
type request struct {
	Cmd     string            `json:"cmd"`
	AgentID string            `json:"agent_id,omitempty"`
	Config  state.AgentConfig `json:"config,omitempty"`
}

// response is one reply line. Always has "status"; other keys vary by
// command, mirroring the loosely-typed dict responses of
// agent/daemon/server.py.
type response map[string]any

func errResponse(format string, args ...any) response {
	return response{"status": "error", "message": fmt.Sprintf(format, args...)}
}

func okResponse() response {
	return response{"status": "ok"}
}

// Daemon is the supervisor process described by spec.md §4.8: one
// process instance per host, owning a socket and N agent subprocesses.
type Daemon struct {
	mu     sync.Mutex
	agents map[string]*managedAgent

	// instanceID is a fresh UUID stamped once per process start. It has
	// no bearing on any run's (spec_slug, spec_hash) identity — it is
	// logged once at startup so an operator can tell where this daemon's
	// log output begins, apart from a previous, now-dead instance's, since
	// PIDs are reused by the OS across restarts. It is not written to the
	// daemon state file.
	instanceID string

	stateRepo   *state.DaemonStateRepository
	backendImpl backend.Backend
	cfgMgr      *config.RWMutexManager
	logger      *slog.Logger
	agentBinary string

	ctx    context.Context
	cancel context.CancelFunc

	monitorCancels map[string]context.CancelFunc
}

// New constructs a Daemon. agentBinary is the executable invoked for
// each agent subprocess (this harness's own CLI, typically `cmd/harness`).
//
// Config is held behind a config.RWMutexManager rather than a bare
// pointer: the monitor goroutines (internal/daemon/monitor.go) read
// backend/restart settings each time they restart an agent, and ReloadConfig below
// lets an operator apply a SIGHUP-triggered config change without
// racing those reads — Get() hands back an independent clone.
func New(cfg *config.Config, be backend.Backend, dataDir, agentBinary string, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		agents:         make(map[string]*managedAgent),
		instanceID:     uuid.NewString(),
		stateRepo:      state.NewDaemonStateRepository(dataDir, logger),
		backendImpl:    be,
		cfgMgr:         config.NewRWMutexManager(cfg),
		logger:         logger,
		agentBinary:    agentBinary,
		monitorCancels: make(map[string]context.CancelFunc),
	}
}

// ReloadConfig loads the config file at path and atomically swaps it
// into place for every subsequent Get() by the monitor goroutines. It
// does not touch already-running agents or backends.
func (d *Daemon) ReloadConfig(path string) error {
	return d.cfgMgr.Reload(path)
}

// loadState restores agents from daemon_state.json, dropping any whose
// spec file no longer exists and coercing a stored "running" status to
// "stopped" — the supervising process is gone, so no PID in the record
// is trustworthy. Matches server.py's _restore_agents_from_state.
func (d *Daemon) loadState() {
	saved := d.stateRepo.Load()

	skipped := 0
	for _, id := range saved.SortedAgentIDs() {
		rec := saved.Agents[id]
		if rec.Config.SpecFile != "" {
			if _, err := os.Stat(rec.Config.SpecFile); err != nil {
				d.logger.Info("skipping agent with missing spec file", "agent_id", id, "spec_file", rec.Config.SpecFile)
				skipped++
				continue
			}
		}
		if rec.Status == state.AgentRunning {
			rec.Status = state.AgentStopped
		}
		d.agents[id] = &managedAgent{record: rec}
	}

	if len(d.agents) > 0 {
		d.logger.Info("restored agents from state file", "count", len(d.agents))
	}
	if skipped > 0 {
		d.logger.Info("skipped agents with missing spec files", "count", skipped)
		d.persistLocked()
	}
}

// persistLocked writes daemon_state.json from the current in-memory
// registry. Callers must hold d.mu.
func (d *Daemon) persistLocked() {
	out := state.DaemonState{Agents: make(map[string]state.AgentProcess, len(d.agents))}
	for id, a := range d.agents {
		a.mu.Lock()
		out.Agents[id] = a.record
		a.mu.Unlock()
	}
	if err := d.stateRepo.Save(out); err != nil {
		d.logger.Warn("failed to persist daemon state", "error", err)
	}
}

// Run binds the daemon's Unix socket and serves connections until ctx is
// cancelled or a "shutdown" command is received. It always cleans up the
// socket and PID files on return.
func (d *Daemon) Run(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()

	d.mu.Lock()
	d.loadState()
	d.mu.Unlock()

	if err := os.RemoveAll(SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: clean up stale socket: %w", err)
	}

	listener, err := net.Listen("unix", SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: bind socket %s: %w", SocketPath, err)
	}
	defer os.RemoveAll(SocketPath)
	if err := os.Chmod(SocketPath, 0o666); err != nil {
		d.logger.Warn("failed to relax socket permissions", "error", err)
	}

	if err := os.WriteFile(PIDPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
		d.logger.Warn("failed to write pid file", "error", err)
	}
	defer os.RemoveAll(PIDPath)

	d.logger.Info("agent daemon started", "socket", SocketPath, "pid", os.Getpid(), "instance_id", d.instanceID)

	go func() {
		<-d.ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				d.shutdownAgents()
				return nil
			default:
				d.logger.Warn("accept failed", "error", err)
				continue
			}
		}
		go d.handleConn(conn)
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		var resp response
		if err := json.Unmarshal(line, &req); err != nil {
			d.logger.Warn("invalid JSON on RPC connection", "conn_id", connID)
			resp = errResponse("Invalid JSON")
		} else {
			d.logger.Debug("handling RPC command", "conn_id", connID, "cmd", req.Cmd, "agent_id", req.AgentID)
			resp = d.process(req)
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (d *Daemon) process(req request) response {
	switch req.Cmd {
	case "ping":
		return response{"status": "ok", "message": "pong"}
	case "list":
		return d.cmdList()
	case "register":
		return d.cmdRegister(req)
	case "start":
		return d.cmdStart(req)
	case "stop":
		return d.cmdStop(req)
	case "status":
		return d.cmdStatus(req)
	case "remove":
		return d.cmdRemove(req)
	case "shutdown":
		return d.cmdShutdown()
	default:
		return errResponse("Unknown command: %s", req.Cmd)
	}
}

func (d *Daemon) cmdList() response {
	d.mu.Lock()
	defer d.mu.Unlock()

	agents := make([]map[string]any, 0, len(d.agents))
	for _, id := range sortedKeys(d.agents) {
		agents = append(agents, d.agents[id].toDict())
	}
	return response{"status": "ok", "agents": agents}
}

func (d *Daemon) cmdRegister(req request) response {
	if req.AgentID == "" {
		return errResponse("agent_id required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.agents[req.AgentID]; exists {
		return errResponse("Agent %s already exists", req.AgentID)
	}

	a := &managedAgent{record: state.AgentProcess{
		AgentID: req.AgentID,
		Config:  req.Config,
		Status:  state.AgentReady,
	}}
	d.agents[req.AgentID] = a
	d.persistLocked()
	return response{"status": "ok", "agent": a.toDict()}
}

func (d *Daemon) cmdStart(req request) response {
	if req.AgentID == "" {
		return errResponse("agent_id required")
	}

	d.mu.Lock()
	a, exists := d.agents[req.AgentID]
	if exists {
		a.mu.Lock()
		running := a.record.Status == state.AgentRunning
		a.mu.Unlock()
		if running {
			d.mu.Unlock()
			return errResponse("Agent %s already running", req.AgentID)
		}
		a.mu.Lock()
		a.record.Config = req.Config
		a.mu.Unlock()
	} else {
		a = &managedAgent{record: state.AgentProcess{AgentID: req.AgentID, Config: req.Config, Status: state.AgentStarting}}
		d.agents[req.AgentID] = a
	}
	d.mu.Unlock()

	if err := d.startAgent(a); err != nil {
		d.mu.Lock()
		d.persistLocked()
		d.mu.Unlock()
		return errResponse("Failed to start agent: %v", err)
	}

	d.mu.Lock()
	d.persistLocked()
	d.mu.Unlock()
	return response{"status": "ok", "agent": a.toDict(), "message": fmt.Sprintf("Agent %s started", req.AgentID)}
}

func (d *Daemon) cmdStop(req request) response {
	a, err := d.lookup(req.AgentID)
	if err != nil {
		return errResponse("%s", err)
	}
	d.stopAgent(req.AgentID, a)

	d.mu.Lock()
	d.persistLocked()
	d.mu.Unlock()
	return response{"status": "ok", "agent": a.toDict()}
}

func (d *Daemon) cmdStatus(req request) response {
	a, err := d.lookup(req.AgentID)
	if err != nil {
		return errResponse("%s", err)
	}
	return response{"status": "ok", "agent": a.toDict()}
}

func (d *Daemon) cmdRemove(req request) response {
	a, err := d.lookup(req.AgentID)
	if err != nil {
		return errResponse("%s", err)
	}

	a.mu.Lock()
	running := a.record.Status == state.AgentRunning
	a.mu.Unlock()
	if running {
		d.stopAgent(req.AgentID, a)
	}

	d.mu.Lock()
	delete(d.agents, req.AgentID)
	d.persistLocked()
	d.mu.Unlock()

	return response{"status": "ok", "message": fmt.Sprintf("Agent %s removed", req.AgentID)}
}

func (d *Daemon) cmdShutdown() response {
	go func() {
		d.mu.Lock()
		shutdownFn := d.cancel
		d.mu.Unlock()
		if shutdownFn != nil {
			shutdownFn()
		}
	}()
	return response{"status": "ok", "message": "Shutting down"}
}

func (d *Daemon) lookup(agentID string) (*managedAgent, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent_id required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("Agent %s not found", agentID)
	}
	return a, nil
}

// shutdownAgents stops every managed agent concurrently, bounding total
// shutdown time to each agent's own 5s graceful-stop budget rather than
// summing them serially.
func (d *Daemon) shutdownAgents() {
	d.logger.Info("shutting down daemon")

	d.mu.Lock()
	ids := make([]string, 0, len(d.agents))
	agents := make([]*managedAgent, 0, len(d.agents))
	for id, a := range d.agents {
		ids = append(ids, id)
		agents = append(agents, a)
	}
	d.mu.Unlock()

	var g errgroup.Group
	for i := range ids {
		id, a := ids[i], agents[i]
		g.Go(func() error {
			d.stopAgent(id, a)
			return nil
		})
	}
	g.Wait()

	d.mu.Lock()
	d.persistLocked()
	d.mu.Unlock()

	d.logger.Info("daemon stopped")
}

// sortedKeys returns m's keys in deterministic order, matching
// state.DaemonState.SortedAgentIDs.
func sortedKeys(m map[string]*managedAgent) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
