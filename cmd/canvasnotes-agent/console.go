package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/autosave"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/drafts"
	"github.com/MarcoPoloResearchLab/canvasnotes/backend/internal/notes"
	"github.com/fatih/color"
)

const (
	commandSave         = "save"
	commandReload       = "reload"
	commandOverwrite    = "overwrite"
	commandRestoreDraft = "restore-draft"
	commandDiscardDraft = "discard-draft"
	commandRevisions    = "revisions"
	commandRestore      = "restore"
	commandStatus       = "status"
	commandHelp         = "help"
	commandQuit         = "quit"
)

var (
	errUnknownCommand     = errors.New("unknown command")
	errRevisionIndex      = errors.New("restore takes the revision number shown by revisions")
	errRevisionsNotListed = errors.New("run revisions before restore")

	offlineBanner  = color.New(color.FgYellow, color.Bold)
	conflictBanner = color.New(color.FgRed, color.Bold)
	savedBanner    = color.New(color.FgGreen)
	errorBanner    = color.New(color.FgRed)
	draftBanner    = color.New(color.FgCyan, color.Bold)
)

const helpText = `commands:
  save            push the canvas now
  reload          conflict: replace the canvas with the server copy
  overwrite       conflict: keep the canvas and overwrite the server copy
  restore-draft   load the newer local draft into the canvas
  discard-draft   drop the newer local draft
  revisions       list recent revisions
  restore N       restore revision N from the last listing
  status          show the save status
  quit            save and exit`

type consoleCommand struct {
	name  string
	index int
}

func parseCommand(line string) (consoleCommand, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return consoleCommand{}, nil
	}
	name := fields[0]
	switch name {
	case "exit", "q":
		name = commandQuit
	case "?":
		name = commandHelp
	}
	switch name {
	case commandRestore:
		if len(fields) != 2 {
			return consoleCommand{}, errRevisionIndex
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil || index <= 0 {
			return consoleCommand{}, errRevisionIndex
		}
		return consoleCommand{name: name, index: index}, nil
	case commandSave, commandReload, commandOverwrite, commandRestoreDraft, commandDiscardDraft,
		commandRevisions, commandStatus, commandHelp, commandQuit:
		if len(fields) != 1 {
			return consoleCommand{}, fmt.Errorf("%s takes no arguments", name)
		}
		return consoleCommand{name: name}, nil
	default:
		return consoleCommand{}, fmt.Errorf("%w %q, try help", errUnknownCommand, fields[0])
	}
}

// sessionControl is the part of an autosave session the console drives.
type sessionControl interface {
	SaveNow(ctx context.Context) error
	ReloadRemote(ctx context.Context) error
	OverwriteMine(ctx context.Context) error
	RestoreDraft() error
	DiscardDraft()
	DraftOffer() (drafts.Draft, bool)
	Revisions(ctx context.Context) ([]notes.RevisionEntry, error)
	RestoreRevision(ctx context.Context, revision notes.RevisionEntry) error
	Status() autosave.Event
	Watermark() notes.Watermark
}

type console struct {
	session sessionControl
	out     io.Writer
	listed  []notes.RevisionEntry
}

func newConsole(session sessionControl, out io.Writer) *console {
	return &console{session: session, out: out}
}

// run executes commands read from in until quit, EOF or ctx ends.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			command, err := parseCommand(line)
			if err != nil {
				errorBanner.Fprintln(c.out, err.Error())
				continue
			}
			if command.name == "" {
				continue
			}
			if command.name == commandQuit {
				return nil
			}
			if err := c.execute(ctx, command); err != nil {
				errorBanner.Fprintf(c.out, "%s failed: %v\n", command.name, err)
			}
		}
	}
}

func (c *console) execute(ctx context.Context, command consoleCommand) error {
	switch command.name {
	case commandSave:
		return c.session.SaveNow(ctx)
	case commandReload:
		return c.session.ReloadRemote(ctx)
	case commandOverwrite:
		return c.session.OverwriteMine(ctx)
	case commandRestoreDraft:
		return c.session.RestoreDraft()
	case commandDiscardDraft:
		if _, ok := c.session.DraftOffer(); !ok {
			return autosave.ErrNoDraft
		}
		c.session.DiscardDraft()
		fmt.Fprintln(c.out, "local draft discarded")
		return nil
	case commandRevisions:
		entries, err := c.session.Revisions(ctx)
		if err != nil {
			return err
		}
		c.listed = entries
		if len(entries) == 0 {
			fmt.Fprintln(c.out, "no revisions yet")
			return nil
		}
		for i, entry := range entries {
			fmt.Fprintf(c.out, "%2d  %s  %s\n", i+1, entry.CreatedAt.Local().Format(time.DateTime), entry.Reason)
		}
		return nil
	case commandRestore:
		if len(c.listed) == 0 {
			return errRevisionsNotListed
		}
		if command.index > len(c.listed) {
			return fmt.Errorf("%w (1-%d)", errRevisionIndex, len(c.listed))
		}
		return c.session.RestoreRevision(ctx, c.listed[command.index-1])
	case commandStatus:
		fmt.Fprintln(c.out, describeEvent(c.session.Status()))
		fmt.Fprintf(c.out, "watermark %d\n", c.session.Watermark().Int64())
		return nil
	case commandHelp:
		fmt.Fprintln(c.out, helpText)
		return nil
	}
	return fmt.Errorf("%w %q", errUnknownCommand, command.name)
}

// describeEvent renders a status event as a one line banner.
func describeEvent(event autosave.Event) string {
	if event.Conflict != nil {
		server := "the server copy has no document"
		if event.Conflict.HasServerSnapshot {
			server = fmt.Sprintf("the server copy changed at %d", event.Conflict.ServerUpdatedAt.Int64())
		}
		return conflictBanner.Sprintf("CONFLICT: %s; run reload or overwrite", server)
	}
	switch event.Status {
	case autosave.StatusOffline:
		return offlineBanner.Sprint("OFFLINE: edits are kept locally and saved on reconnect")
	case autosave.StatusError:
		return errorBanner.Sprint("save failed; run save to retry")
	case autosave.StatusSaved:
		return savedBanner.Sprintf("saved at %s", event.SavedAt.Local().Format(time.TimeOnly))
	case autosave.StatusSaving:
		return "saving..."
	default:
		return "ready"
	}
}

func describeDraftOffer(draft drafts.Draft) string {
	return draftBanner.Sprintf("a local draft from %s is newer than the server copy; run restore-draft or discard-draft",
		draft.UpdatedAtTime().Local().Format(time.DateTime))
}
