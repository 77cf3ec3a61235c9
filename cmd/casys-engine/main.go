// ABOUTME: Entry point for the casys-engine workflow runner.
// ABOUTME: Runs, validates, and resumes DAG plans against the simulated tool invoker.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/Casys-AI/casys-pml-sub002/internal/auth"
	"github.com/Casys-AI/casys-pml-sub002/internal/cache"
	"github.com/Casys-AI/casys-pml-sub002/internal/catalog"
	"github.com/Casys-AI/casys-pml-sub002/internal/checkpoint"
	"github.com/Casys-AI/casys-pml-sub002/internal/config"
	"github.com/Casys-AI/casys-pml-sub002/internal/control"
	"github.com/Casys-AI/casys-pml-sub002/internal/dag"
	"github.com/Casys-AI/casys-pml-sub002/internal/engine"
	"github.com/Casys-AI/casys-pml-sub002/internal/events"
	"github.com/Casys-AI/casys-pml-sub002/internal/invoke"
	"github.com/Casys-AI/casys-pml-sub002/internal/plangraph"
	"github.com/Casys-AI/casys-pml-sub002/internal/planner"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
   ___ __ _ ___ _   _ ___       ___ _ __   __ _(_)_ __   ___
  / __/ _' / __| | | / __|____ / _ \ '_ \ / _' | | '_ \ / _ \
 | (_| (_| \__ \ |_| \__ \____|  __/ | | | (_| | | | | |  __/
  \___\__,_|___/\__, |___/     \___|_| |_|\__, |_|_| |_|\___|
                |___/                     |___/
`

// getConfigPath returns the path to the engine config file.
// Priority: CASYS_CONFIG env var > ./config.yaml > XDG_CONFIG_HOME/casys/engine.yaml > ~/.config/casys/engine.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CASYS_CONFIG"); envPath != "" {
		return envPath
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "casys", "engine.yaml")
}

// loadConfig loads the config file, falling back to defaults when none
// exists so the engine runs out of the box.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Default(), "(defaults)", nil
		}
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func usage() {
	fmt.Println("Usage: casys-engine <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <plan-file>        Execute a plan (JSON, or markdown with a fenced json block)")
	fmt.Println("  validate <plan-file>   Parse and validate a plan without running it")
	fmt.Println("  resume <workflow-id>   Resume a workflow from its latest checkpoint")
	fmt.Println("  tools                  List the tools known to the catalog")
	fmt.Println("  graph                  Show the learned plan graph")
	fmt.Println("  history                List finished workflow runs")
	fmt.Println("  token --approver NAME  Mint an approval token for decision gates")
	fmt.Println("  version                Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runRun(ctx, os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "resume":
		err = runResume(ctx, os.Args[2:])
	case "tools":
		err = runTools()
	case "graph":
		err = runGraph()
	case "history":
		err = runHistory(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "version":
		fmt.Printf("casys-engine %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runRun(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: casys-engine run <plan-file>")
	}
	planPath := args[0]

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	data, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("reading plan: %w", err)
	}
	doc, err := planner.ParsePlan(data)
	if err != nil {
		return err
	}
	structure, err := doc.Build(dag.NewBuilder(logger))
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, invoke.NewSimulator(logger), logger)
	if err != nil {
		return err
	}

	stream, workflowID, err := eng.Execute(ctx, structure, engine.ExecuteOptions{Intent: doc.Intent})
	if err != nil {
		shutdownEngine(eng, logger)
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Plan:      %s (%d tasks, %d layers)\n", planPath, structure.TaskCount(), len(structure.Layers))
	green.Print("    ▶ ")
	fmt.Printf("Workflow:  %s\n", workflowID)
	if cfg.Engine.Speculation.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Speculation: enabled\n")
	}
	fmt.Println()

	final := streamWorkflow(ctx, eng, stream, workflowID)
	shutdownEngine(eng, logger)
	return terminalError(final)
}

func runValidate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: casys-engine validate <plan-file>")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading plan: %w", err)
	}
	doc, err := planner.ParsePlan(data)
	if err != nil {
		return err
	}

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	structure, err := doc.Build(dag.NewBuilder(quiet))
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("plan valid: %d tasks in %d layers\n", structure.TaskCount(), len(structure.Layers))
	for i, layer := range structure.Layers {
		fmt.Printf("  layer %d: %s\n", i, strings.Join(layer, ", "))
	}
	return nil
}

func runResume(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: casys-engine resume <workflow-id>")
	}
	workflowID := args[0]

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	eng, err := engine.New(cfg, invoke.NewSimulator(logger), logger)
	if err != nil {
		return err
	}

	stream, err := eng.Resume(ctx, workflowID)
	if err != nil {
		shutdownEngine(eng, logger)
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Resuming:  %s\n", workflowID)
	fmt.Println()

	final := streamWorkflow(ctx, eng, stream, workflowID)
	shutdownEngine(eng, logger)
	return terminalError(final)
}

func runTools() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Catalog.ManifestDir == "" {
		fmt.Println("no manifest directory configured (catalog.manifest_dir)")
		return nil
	}

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	schemaCache := cache.New[catalog.Descriptor](cfg.Catalog.SchemaCacheTTL, cfg.Catalog.SchemaCacheSize)
	reg := catalog.NewRegistry(quiet, schemaCache)
	defer reg.Close()

	if err := reg.LoadDir(cfg.Catalog.ManifestDir); err != nil {
		return err
	}

	tools, err := reg.List()
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		fmt.Println("no tools found")
		return nil
	}

	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	for _, d := range tools {
		cyan.Printf("%-24s", d.Name)
		fmt.Printf(" pack=%s category=%s cost=%.2f duration=%s", d.Pack, d.Category, d.Cost, d.Duration)
		if d.SideEffect {
			yellow.Print(" [side-effect]")
		}
		fmt.Println()
	}
	return nil
}

func runGraph() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.PlanGraph.Dir == "" {
		fmt.Println("plan graph persistence disabled (plangraph.dir)")
		return nil
	}

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	g, err := plangraph.Open(cfg.PlanGraph.Dir, quiet)
	if err != nil {
		return err
	}
	defer g.Close()

	nodes, edges := g.Counts()
	fmt.Printf("plan graph: %d nodes, %d edges\n", nodes, edges)

	cyan := color.New(color.FgCyan)
	for _, n := range g.NodesByLabel("tool") {
		name, _ := n.Properties["name"].(string)
		if name == "" {
			continue
		}
		cyan.Printf("%s\n", name)
		for _, tr := range g.Neighbors(n.ID, "follows") {
			next, _ := tr.Node.Properties["name"].(string)
			fmt.Printf("  -> %s\n", next)
		}
	}
	return nil
}

func runHistory(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := checkpoint.NewSQLiteStore(cfg.Checkpoint.Path, quiet)
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.ListSummaries(ctx, 50)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("no finished runs")
		return nil
	}

	for _, s := range summaries {
		var succeeded, failed, skipped int
		for _, status := range s.TaskStatuses {
			switch status {
			case "succeeded":
				succeeded++
			case "failed":
				failed++
			case "skipped":
				skipped++
			}
		}

		phase := s.Phase
		switch s.Phase {
		case "completed":
			phase = color.GreenString(s.Phase)
		case "aborted", "failed":
			phase = color.RedString(s.Phase)
		}

		fmt.Printf("%s  %-36s %-9s succeeded=%d failed=%d skipped=%d",
			color.HiBlackString(s.FinishedAt.Local().Format("2006-01-02 15:04:05")),
			s.WorkflowID, phase, succeeded, failed, skipped)
		if s.PartialFailure {
			color.New(color.FgYellow).Print(" [partial]")
		}
		fmt.Println()
	}
	return nil
}

// runToken mints an approval token so an operator can resolve decision
// gates when approval.jwt_secret is configured.
func runToken(args []string) error {
	var approver string
	ttl := time.Hour

	// Supports both "--flag value" and "--flag=value" formats.
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--approver" || arg == "-a":
			if i+1 >= len(args) {
				return fmt.Errorf("--approver requires a value")
			}
			approver = args[i+1]
			i++
		case strings.HasPrefix(arg, "--approver="):
			approver = strings.TrimPrefix(arg, "--approver=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
			i++
		case strings.HasPrefix(arg, "--ttl="):
			d, err := time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if approver == "" {
		return fmt.Errorf("--approver flag is required")
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Approval.JWTSecret == "" {
		return fmt.Errorf("approval.jwt_secret not configured in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Approval.JWTSecret)).Generate(approver, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "approver %s, expires %s\n", approver, time.Now().Add(ttl).UTC().Format(time.RFC3339))
	return nil
}

func shutdownEngine(eng *engine.Engine, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Warn("engine shutdown reported errors", "error", err)
	}
}

// streamWorkflow prints the event stream until it closes and returns
// the terminal event. Decision gates are answered from stdin.
func streamWorkflow(ctx context.Context, eng *engine.Engine, stream <-chan events.Event, workflowID string) events.Event {
	lines := make(chan string)
	go readLines(ctx, lines)

	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	var final events.Event
	decisionPending := false
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return final
			}
			printEvent(ev)
			switch ev.Kind {
			case events.DecisionRequired:
				decisionPending = true
				yellow.Println("    decision required: type 'y [token]' to approve, 'n' to deny")
			case events.DecisionResolved, events.DecisionTimeout:
				decisionPending = false
			}
			if ev.Terminal() {
				final = ev
			}

		case line := <-lines:
			cmd, ok := parseCommandLine(line, decisionPending)
			if !ok {
				if decisionPending {
					yellow.Println("    type 'y [token]' to approve, 'n' to deny")
				}
				continue
			}
			if err := eng.EnqueueCommand(workflowID, cmd); err != nil {
				red.Printf("    command failed: %v\n", err)
			}
		}
	}
}

// readLines feeds trimmed stdin lines into out until EOF or cancel.
func readLines(ctx context.Context, out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case out <- strings.TrimSpace(scanner.Text()):
		case <-ctx.Done():
			return
		}
	}
}

// parseCommandLine turns an operator's stdin line into a command.
// Steering words work any time; y/n only answer a pending gate.
func parseCommandLine(line string, decisionPending bool) (control.Command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return control.Command{}, false
	}

	switch strings.ToLower(fields[0]) {
	case "abort":
		return control.Command{Kind: control.CommandAbort, Reason: "operator abort"}, true
	case "pause":
		return control.Command{Kind: control.CommandPause}, true
	case "continue":
		return control.Command{Kind: control.CommandContinue}, true
	}

	if !decisionPending {
		return control.Command{}, false
	}

	cmd := control.Command{Kind: control.CommandApproval, ApprovedBy: "cli-operator"}
	switch strings.ToLower(fields[0]) {
	case "y", "yes":
		cmd.Approved = true
	case "n", "no":
		cmd.Approved = false
	default:
		return control.Command{}, false
	}
	if len(fields) > 1 {
		cmd.Token = fields[1]
	}
	return cmd, true
}

func printEvent(ev events.Event) {
	ts := color.HiBlackString(ev.Timestamp.Format("15:04:05"))
	var line string

	switch ev.Kind {
	case events.WorkflowStarted:
		line = color.CyanString("workflow started") +
			fmt.Sprintf(" tasks=%v layers=%v", ev.Payload["tasks"], ev.Payload["layers"])
		if from, ok := ev.Payload["resumed_from_layer"]; ok {
			line += fmt.Sprintf(" resumed_from_layer=%v", from)
		}
	case events.LayerStarted:
		line = fmt.Sprintf("layer %d started", ev.Layer)
	case events.LayerCompleted:
		line = fmt.Sprintf("layer %d completed succeeded=%v failed=%v skipped=%v",
			ev.Layer, ev.Payload["succeeded"], ev.Payload["failed"], ev.Payload["skipped"])
	case events.TaskStarted:
		line = fmt.Sprintf("  task %s started", ev.TaskID)
	case events.TaskSucceeded:
		line = color.GreenString("  task %s succeeded", ev.TaskID) +
			fmt.Sprintf(" duration=%v", ev.Payload["duration"])
		if ev.Payload["speculative"] == true {
			line += color.CyanString(" (speculative)")
		}
	case events.TaskFailed:
		line = color.RedString("  task %s failed: %s", ev.TaskID, ev.Error)
	case events.TaskSkipped:
		line = color.YellowString("  task %s skipped: %v", ev.TaskID, ev.Payload["reason"])
	case events.TaskLeaked:
		line = color.RedString("  task %s leaked: %s", ev.TaskID, ev.Error)
	case events.CheckpointSaved:
		line = color.HiBlackString("checkpoint saved layer=%d", ev.Layer)
	case events.CheckpointFailed:
		line = color.YellowString("checkpoint failed: %s", ev.Error)
	case events.DecisionRequired:
		line = color.YellowString("decision required at layer %d", ev.Layer)
	case events.DecisionResolved:
		line = color.CyanString("decision resolved approved=%v by=%v",
			ev.Payload["approved"], ev.Payload["approved_by"])
	case events.DecisionTimeout:
		line = color.YellowString("decision timeout action=%v", ev.Payload["action"])
	case events.ReplanApplied:
		line = color.CyanString("plan revised revision=%v tasks=%v", ev.Payload["revision"], ev.Payload["tasks"])
	case events.ReplanRejected:
		line = color.YellowString("replan rejected: %s", ev.Error)
	case events.SpeculationCommitted:
		line = color.CyanString("  speculation committed for task %s", ev.TaskID)
	case events.SpeculationDiscarded:
		line = color.HiBlackString("  speculation discarded tool=%v", ev.Payload["tool"])
	case events.SpeculationSkipped:
		line = color.HiBlackString("  speculation skipped task %s: %s", ev.TaskID, ev.Error)
	case events.CommandRejected:
		line = color.YellowString("command rejected (%v): %s", ev.Payload["command"], ev.Error)
	case events.WorkflowCompleted:
		line = color.GreenString("workflow completed") + finishSummary(ev)
	case events.WorkflowAborted:
		line = color.RedString("workflow aborted") + finishSummary(ev)
	case events.WorkflowFailed:
		line = color.RedString("workflow failed") + finishSummary(ev)
	case events.WorkflowPaused:
		line = color.YellowString("workflow paused")
	case events.WorkflowResumed:
		line = color.CyanString("workflow resumed")
	default:
		line = string(ev.Kind)
	}

	fmt.Printf("%s %s\n", ts, line)
}

func finishSummary(ev events.Event) string {
	s := fmt.Sprintf(" succeeded=%v failed=%v skipped=%v duration=%v",
		ev.Payload["succeeded"], ev.Payload["failed"], ev.Payload["skipped"], ev.Payload["duration"])
	if reason, ok := ev.Payload["reason"]; ok {
		s += fmt.Sprintf(" reason=%q", reason)
	}
	if ev.Payload["partial_failure"] == true {
		s += color.YellowString(" [partial failure]")
	}
	return s
}

// terminalError maps the terminal event to the process exit status.
func terminalError(final events.Event) error {
	switch final.Kind {
	case events.WorkflowCompleted:
		return nil
	case events.WorkflowAborted:
		return fmt.Errorf("workflow aborted: %v", final.Payload["reason"])
	case events.WorkflowFailed:
		return fmt.Errorf("workflow failed: %v", final.Payload["reason"])
	default:
		return fmt.Errorf("workflow ended without a terminal event")
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
