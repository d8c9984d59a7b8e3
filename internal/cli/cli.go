// Package cli implements the plow operator command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/romshark/plow"
	"github.com/romshark/plow/config"
	"github.com/romshark/plow/db"
	"github.com/romshark/plow/internal/dbopen"
)

const (
	CmdMigrate = "migrate"
	CmdVersion = "version"
	CmdEvents  = "events"
	CmdStream  = "stream"
)

var (
	ErrNoCommand      = errors.New("no command")
	ErrUnknownCommand = errors.New("unknown command")
	ErrNoStreamID     = errors.New("stream id required")
)

const usage = `usage: plow [flags] <command> [args]

commands:
  migrate        create or upgrade the event store schema
  version        print the build revision and the event log version
  events         print events of the global log as JSON lines
  stream <id>    print events of one stream as JSON lines

flags:
`

// Options are the parsed command line options.
type Options struct {
	Command  string
	StreamID string

	DSN        string
	PGMaxConns int32

	// From is the first version printed by events, -1 is the latest.
	From    int64
	Limit   int
	Reverse bool

	// After skips stream events up to and including this stream version.
	After int64
}

// ParseOptions parses args. Flags default to cfg.
func ParseOptions(fs *flag.FlagSet, args []string, cfg config.Config) (Options, error) {
	o := Options{DSN: cfg.DSN, PGMaxConns: cfg.PGMaxConns, Limit: 100}
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&o.DSN, "dsn", o.DSN, "event store DSN (default: PLOW_DSN)")
	fs.Int64Var(&o.From, "from", 0, "events: first version to print (-1 = latest)")
	fs.IntVar(&o.Limit, "n", o.Limit, "maximum number of events to print")
	fs.BoolVar(&o.Reverse, "reverse", false, "events: print in descending order")
	fs.Int64Var(&o.After, "after", 0, "stream: skip events up to this stream version")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}

	o.Command = fs.Arg(0)
	switch o.Command {
	case "":
		return Options{}, ErrNoCommand
	case CmdMigrate, CmdVersion, CmdEvents:
	case CmdStream:
		o.StreamID = fs.Arg(1)
		if o.StreamID == "" {
			return Options{}, ErrNoStreamID
		}
	default:
		return Options{}, fmt.Errorf("%w: %q", ErrUnknownCommand, o.Command)
	}
	if o.Limit < 1 {
		return Options{}, fmt.Errorf("invalid limit: %d", o.Limit)
	}
	return o, nil
}

// Record is the JSON representation of a stored event.
type Record struct {
	Version       int64           `json:"version"`
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	StreamID      string          `json:"streamId,omitempty"`
	StreamVersion int64           `json:"streamVersion,omitempty"`
	Time          time.Time       `json:"time"`
	Revision      string          `json:"revision"`
	Payload       json.RawMessage `json:"payload"`
}

func newRecord(e db.Event) Record {
	return Record{
		Version:       e.Version,
		ID:            e.ID,
		Name:          e.TypeName,
		StreamID:      e.StreamID,
		StreamVersion: e.StreamVersion,
		Time:          e.Time,
		Revision:      e.RevisionVCS,
		Payload:       json.RawMessage(e.Payload),
	}
}

// Run executes the command.
func Run(ctx context.Context, log *slog.Logger, o Options, stdout io.Writer) error {
	store, closeStore, err := dbopen.Open(ctx, log, o.DSN, o.PGMaxConns)
	if err != nil {
		return err
	}
	defer closeStore()

	switch o.Command {
	case CmdMigrate:
		v, err := systemVersion(ctx, store)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "migrated %s store at version %d\n",
			dbopen.KindOf(o.DSN), v)
		return err
	case CmdVersion:
		v, err := systemVersion(ctx, store)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "revision: %s\nversion: %d\n",
			plow.VCSRevision(), v)
		return err
	case CmdEvents:
		return printEvents(ctx, store, o, json.NewEncoder(stdout))
	case CmdStream:
		return printStream(ctx, store, o, json.NewEncoder(stdout))
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, o.Command)
}

func systemVersion(ctx context.Context, d db.DB) (v int64, err error) {
	err = d.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		v, err = tx.ReadSystemVersion(ctx)
		return err
	})
	return v, err
}

func printEvents(ctx context.Context, d db.DB, o Options, enc *json.Encoder) error {
	buf := make([]db.Event, o.Limit)
	return d.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		from := o.From
		if from < 0 {
			v, err := tx.ReadSystemVersion(ctx)
			if err != nil {
				return err
			}
			from = v
		}
		n, err := tx.ReadEvents(ctx, from, o.Reverse, buf)
		if err != nil {
			return fmt.Errorf("reading events: %w", err)
		}
		for _, e := range buf[:n] {
			if err := enc.Encode(newRecord(e)); err != nil {
				return err
			}
		}
		return nil
	})
}

func printStream(ctx context.Context, d db.DB, o Options, enc *json.Encoder) error {
	buf := make([]db.Event, o.Limit)
	return d.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		n, err := tx.ReadStream(ctx, o.StreamID, o.After, buf)
		if err != nil {
			return fmt.Errorf("reading stream %q: %w", o.StreamID, err)
		}
		for _, e := range buf[:n] {
			if err := enc.Encode(newRecord(e)); err != nil {
				return err
			}
		}
		return nil
	})
}
