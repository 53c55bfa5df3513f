package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/autosave"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/config"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/database"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/drafts"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/filecanvas"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/reachability"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/remote"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	dotEnvFile   = ".env"
	closeTimeout = 10 * time.Second
)

var (
	cfgFile    string
	canvasPath string
	noteIDFlag string
	noteTitle  string
	keepLocal  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "canvasnotes-agent",
		Short: "Keep a canvas JSON file autosaved to a canvas notes server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), os.Stdin, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Canvas notes API base url")
	cmd.PersistentFlags().String("token", "", "Session token (see canvasnotes-api issue-token)")
	cmd.PersistentFlags().String("drafts-path", defaults.GetString("drafts.path"), "Local draft database path")
	cmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("debounce", defaults.GetDuration("autosave.debounce"), "Quiet period after an edit before saving")
	cmd.PersistentFlags().Duration("heartbeat", defaults.GetDuration("autosave.heartbeat"), "Interval of the periodic save retry")

	cmd.Flags().StringVar(&canvasPath, "canvas", "", "Canvas JSON file to keep saved")
	cmd.Flags().StringVar(&noteIDFlag, "note", "", "Existing note id; a new note is created when empty")
	cmd.Flags().StringVar(&noteTitle, "title", "Untitled", "Title of a newly created note")
	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "Keep the canvas file instead of loading the server copy")
	if err := cmd.MarkFlagRequired("canvas"); err != nil {
		panic(err)
	}

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "auth.token", "token")
	bindFlag(cmd, "drafts.path", "drafts-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "autosave.debounce", "debounce")
	bindFlag(cmd, "autosave.heartbeat", "heartbeat")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(dotEnvFile); err != nil {
		return err
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	}
	return nil
}

func runAgent(ctx context.Context, in io.Reader, out io.Writer) error {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewConsoleLogger(agentConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL: agentConfig.ServerURL,
		Token:   agentConfig.AuthToken,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	monitor, err := reachability.NewMonitor(reachability.MonitorConfig{
		Prober:   client,
		Interval: agentConfig.ReachabilityInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	go monitor.Run(ctx)

	draftDatabase, err := database.OpenDraftDatabase(agentConfig.DraftsPath, logger)
	if err != nil {
		return err
	}
	if sqlDB, err := draftDatabase.DB(); err == nil {
		defer sqlDB.Close() //nolint:errcheck
	}
	backend, err := drafts.NewGormBackend(draftDatabase)
	if err != nil {
		return err
	}
	draftStore, err := drafts.NewStore(drafts.StoreConfig{Backend: backend, Logger: logger})
	if err != nil {
		return err
	}

	canvas, err := filecanvas.Open(canvasPath, logger)
	if err != nil {
		return err
	}

	record, err := openNote(ctx, client, canvas, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "editing note %s (%s) from %s\n", record.ID, record.Title, canvas.Path())

	session, err := autosave.Open(ctx, autosave.SessionConfig{
		NoteID:            record.ID,
		InitialUpdatedAt:  record.UpdatedAt,
		Canvas:            canvas,
		Remote:            client,
		Revisions:         client,
		Drafts:            draftStore,
		Network:           monitor,
		Logger:            logger,
		DebounceDelay:     agentConfig.DebounceDelay,
		HeartbeatInterval: agentConfig.HeartbeatInterval,
		RevisionInterval:  agentConfig.RevisionInterval,
		RevisionKeep:      agentConfig.RevisionKeep,
	})
	if err != nil {
		return err
	}
	defer closeSession(session, logger)

	if draft, ok := session.DraftOffer(); ok {
		fmt.Fprintln(out, describeDraftOffer(draft))
	}

	go func() {
		if err := canvas.Watch(ctx, session.Edit); err != nil {
			logger.Error("canvas watch stopped", zap.Error(err))
		}
	}()
	go printStatus(ctx, session, out)
	go saveOnReconnect(ctx, monitor, session, logger)

	return newConsole(session, out).run(ctx, in)
}

// openNote resolves the note the canvas is bound to. An existing note's
// server document replaces the canvas unless the local file is kept.
func openNote(ctx context.Context, client *remote.Client, canvas *filecanvas.Canvas, logger *zap.Logger) (notes.NoteRecord, error) {
	if noteIDFlag == "" {
		record, err := client.CreateNote(ctx, noteTitle, canvas.Snapshot())
		if err != nil {
			return notes.NoteRecord{}, fmt.Errorf("create note: %w", err)
		}
		logger.Info("note created", zap.String("note_id", record.ID.String()))
		return record, nil
	}

	noteID, err := notes.NewNoteID(noteIDFlag)
	if err != nil {
		return notes.NoteRecord{}, err
	}
	record, err := client.GetNote(ctx, noteID)
	if err != nil {
		return notes.NoteRecord{}, fmt.Errorf("load note %s: %w", noteID, err)
	}
	if keepLocal || record.Doc.IsEmpty() || record.Doc.Equal(canvas.Snapshot()) {
		return record, nil
	}
	if err := canvas.LoadSnapshot(record.Doc, autosave.LoadOptions{ForceOverwrite: true}); err != nil {
		return notes.NoteRecord{}, fmt.Errorf("load server copy into canvas: %w", err)
	}
	return record, nil
}

func printStatus(ctx context.Context, session *autosave.Session, out io.Writer) {
	events, cleanup := session.Subscribe(ctx)
	defer cleanup()
	var last string
	for event := range events {
		line := describeEvent(event)
		if line == last {
			continue
		}
		last = line
		fmt.Fprintln(out, line)
	}
}

func saveOnReconnect(ctx context.Context, monitor *reachability.Monitor, session *autosave.Session, logger *zap.Logger) {
	changes, cleanup := monitor.Subscribe(ctx)
	defer cleanup()
	for online := range changes {
		if !online || !session.Dirty() {
			continue
		}
		if _, pending := session.Conflict(); pending {
			continue
		}
		if err := session.SaveNow(ctx); err != nil && !errors.Is(err, autosave.ErrConflictPending) {
			logger.Warn("save after reconnect failed", zap.Error(err))
		}
	}
}

func closeSession(session *autosave.Session, logger *zap.Logger) {
	if session.Unload() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := session.SaveNow(ctx); err != nil {
			logger.Warn("final save failed; the local draft keeps the changes", zap.Error(err))
		}
		cancel()
	}
	session.Close()
}
