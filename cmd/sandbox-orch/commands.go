package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/memory"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/prompts"
)

var (
	servePort      int
	runsLimit      int
	runPlain       bool
	ctxSemantic    string
	ctxProcedural  string
	ctxEpisodic    string
	shutdownPeriod = 30 * time.Second
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the idle sandbox reaper",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run PROJECT PROMPT...",
		Short: "Run the pipeline for one request and print its progress",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&runPlain, "plain", false, "print events line by line instead of the live view")
	rootCmd.AddCommand(runCmd)

	// context commands
	contextCmd := &cobra.Command{
		Use:   "context",
		Short: "Show or edit a project's stored context",
	}
	contextShowCmd := &cobra.Command{
		Use:   "show PROJECT",
		Short: "Show a project's context and request history",
		Args:  cobra.ExactArgs(1),
		RunE:  runContextShow,
	}
	contextSetCmd := &cobra.Command{
		Use:   "set PROJECT",
		Short: "Merge notes into a project's context; omitted fields are kept",
		Args:  cobra.ExactArgs(1),
		RunE:  runContextSet,
	}
	contextSetCmd.Flags().StringVar(&ctxSemantic, "semantic", "", "what the project is")
	contextSetCmd.Flags().StringVar(&ctxProcedural, "procedural", "", "how the project is built")
	contextSetCmd.Flags().StringVar(&ctxEpisodic, "episodic", "", "what happened recently")
	contextCmd.AddCommand(contextShowCmd, contextSetCmd)
	rootCmd.AddCommand(contextCmd)

	// runs command
	runsCmd := &cobra.Command{
		Use:   "runs [PROJECT]",
		Short: "List recent runs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRuns,
	}
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "number of runs to show")
	rootCmd.AddCommand(runsCmd)

	// sessions command
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored projects and their snapshots",
		RunE:  runSessions,
	}
	rootCmd.AddCommand(sessionsCmd)

	// snapshot commands
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect project snapshots",
	}
	snapshotShowCmd := &cobra.Command{
		Use:   "show PROJECT",
		Short: "List the files captured in a project's latest snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotShow,
	}
	snapshotCmd.AddCommand(snapshotShowCmd)
	rootCmd.AddCommand(snapshotCmd)

	// prompts command
	promptsCmd := &cobra.Command{
		Use:   "prompts",
		Short: "List the stage prompt templates in effect",
		RunE:  runPrompts,
	}
	rootCmd.AddCommand(promptsCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	server := a.apiServer(addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Sandbox.ReapSchedule != "" {
		r, err := a.newReaper()
		if err != nil {
			return err
		}
		go r.Start(ctx)
		defer r.Stop()
		log.Printf("reaper scheduled %q, next sweep %s", cfg.Sandbox.ReapSchedule, humanize.Time(r.NextRun()))
	}

	if err := a.prompts.Watch(ctx); err != nil {
		log.Printf("prompt overrides will not reload: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	fmt.Println(titleStyle.Render("Sandbox Orchestrator") + " listening on " + headerStyle.Render("http://"+addr))

	select {
	case err = <-errCh:
	case <-ctx.Done():
		fmt.Println(dimmedStyle.Render("shutting down..."))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownPeriod)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Printf("http shutdown: %v", serr)
	}
	a.close(shutdownCtx)
	return err
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	// the agent reaches the sandbox through the tool server
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := a.apiServer(addr)
	go func() {
		if err := server.Start(); err != nil {
			log.Printf("tool server: %v", err)
		}
	}()

	projectID, prompt := args[0], strings.Join(args[1:], " ")
	var final events.Event
	if !runPlain && isatty.IsTerminal(os.Stdout.Fd()) {
		final, err = followInteractive(a, projectID, prompt)
	} else {
		final, err = followPlain(a, projectID, prompt)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownPeriod)
	defer cancel()
	server.Shutdown(shutdownCtx)
	a.close(shutdownCtx)

	if err != nil {
		return err
	}
	if final.Type == events.RunError || final.Success == nil || !*final.Success {
		return fmt.Errorf("run failed: %s", final.Message)
	}
	return nil
}

// followPlain prints one line per event until the run finishes
func followPlain(a *app, projectID, prompt string) (events.Event, error) {
	done := make(chan events.Event, 1)
	detach, err := a.sup.Attach(projectID, events.SinkFunc(func(ev events.Event) error {
		fmt.Println(formatEvent(ev))
		if ev.Type == events.RunCompleted || ev.Type == events.RunError {
			select {
			case done <- ev:
			default:
			}
		}
		return nil
	}))
	if err != nil {
		return events.Event{}, err
	}
	defer detach()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := a.sup.Submit(projectID, prompt); err != nil {
		return events.Event{}, err
	}

	select {
	case final := <-done:
		return final, nil
	case <-ctx.Done():
		a.sup.Cancel(projectID)
		return <-done, nil
	}
}

// followInteractive runs the terminal view until the run finishes
func followInteractive(a *app, projectID, prompt string) (events.Event, error) {
	model := NewRunView(projectID, prompt, a.cfg.Pipeline.MaxRetries, func() {
		a.sup.Cancel(projectID)
	})
	p := tea.NewProgram(model)

	detach, err := a.sup.Attach(projectID, events.SinkFunc(func(ev events.Event) error {
		p.Send(EventMsg(ev))
		return nil
	}))
	if err != nil {
		return events.Event{}, err
	}
	defer detach()

	if _, err := a.sup.Submit(projectID, prompt); err != nil {
		return events.Event{}, err
	}

	result, err := p.Run()
	if err != nil {
		a.sup.Cancel(projectID)
		return events.Event{}, fmt.Errorf("run view: %w", err)
	}
	final, ok := result.(RunView).Final()
	if !ok {
		return events.Event{}, errors.New("run view closed before the run finished")
	}
	return final, nil
}

func runContextShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ds, runs, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer runs.Close()

	c := memory.New(ds).Load(args[0])
	if c.Empty() {
		fmt.Println(dimmedStyle.Render("no context stored for " + args[0]))
		return nil
	}

	var b strings.Builder
	field := func(name, value string) {
		if value == "" {
			value = dimmedStyle.Render("-")
		}
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Render(name+":"), value)
	}
	field("semantic", c.Semantic)
	field("procedural", c.Procedural)
	field("episodic", c.Episodic)
	if c.LastUpdated > 0 {
		field("updated", humanize.Time(time.Unix(int64(c.LastUpdated), 0)))
	}
	field("files", fmt.Sprintf("%d known", len(c.FilesCreated)))

	if len(c.ConversationHistory) > 0 {
		b.WriteString("\n" + headerStyle.Render("history:") + "\n")
		for _, h := range c.ConversationHistory {
			mark := successStyle.Render("✓")
			if !h.Success {
				mark = errorStyle.Render("✗")
			}
			when := humanize.Time(time.Unix(int64(h.Timestamp), 0))
			fmt.Fprintf(&b, "  %s %s %s\n", mark, h.UserPrompt, dimmedStyle.Render(when))
		}
	}

	fmt.Println(titleStyle.Render(args[0]))
	fmt.Println(boxStyle.Render(strings.TrimRight(b.String(), "\n")))
	return nil
}

func runContextSet(cmd *cobra.Command, args []string) error {
	if ctxSemantic == "" && ctxProcedural == "" && ctxEpisodic == "" {
		return errors.New("nothing to set: pass --semantic, --procedural or --episodic")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ds, runs, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer runs.Close()

	if err := memory.New(ds).Save(args[0], ctxSemantic, ctxProcedural, ctxEpisodic); err != nil {
		return err
	}
	fmt.Println(successStyle.Render("saved context for " + args[0]))
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, runs, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer runs.Close()

	var projectID string
	if len(args) == 1 {
		projectID = args[0]
	}
	list, err := runs.ListRuns(projectID, runsLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println(dimmedStyle.Render("no runs recorded"))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tSTATUS\tRETRIES\tSTARTED\tDURATION\tPROMPT")
	for _, r := range list {
		retries := r.RetryCount[domain.ValidationErrors] + r.RetryCount[domain.RuntimeErrors]
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID[:8], r.ProjectID, statusStyle(string(r.Status)).Render(string(r.Status)),
			retries, humanize.Time(r.StartedAt), r.Duration().Round(time.Second), truncate(r.Prompt, 50))
	}
	return w.Flush()
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ds, runs, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer runs.Close()

	projects, err := ds.Projects()
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println(dimmedStyle.Render("no projects stored in " + ds.Root()))
		return nil
	}

	engine := newSnapshotEngine(cfg, ds)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tFILES\tSIZE\tSNAPSHOT\tLAST RUN")
	for _, id := range projects {
		files, taken := "-", "-"
		if meta, err := engine.Metadata(id); err == nil {
			files = fmt.Sprint(len(meta.Files))
			taken = humanize.Time(meta.Time())
		}
		size, _ := ds.Size(id)
		last := "-"
		if rs, err := runs.ListRuns(id, 1); err == nil && len(rs) == 1 {
			last = statusStyle(string(rs[0].Status)).Render(string(rs[0].Status))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, files, humanize.Bytes(uint64(size)), taken, last)
	}
	return w.Flush()
}

func runSnapshotShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ds, runs, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer runs.Close()

	meta, err := newSnapshotEngine(cfg, ds).Metadata(args[0])
	if errors.Is(err, domain.ErrNotFound) {
		fmt.Println(dimmedStyle.Render("no snapshot for " + args[0]))
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", titleStyle.Render(args[0]), dimmedStyle.Render("captured "+humanize.Time(meta.Time())))
	for _, f := range meta.Files {
		fmt.Println("  " + f)
	}
	return nil
}

func runPrompts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	metas, err := prompts.DefaultLoader(cfg.General.StorageDir).ListStageTemplates()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tID\tDESCRIPTION")
	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.Stage, m.ID, m.Description)
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
