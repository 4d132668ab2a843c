package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/fetchqueue/internal/jobs"
	"github.com/italolelis/fetchqueue/internal/registry"
	"github.com/jessevdk/go-flags"
)

var version = "dev"

// GlobalOptions apply to every command.
type GlobalOptions struct {
	Server   string        `short:"s" long:"server" env:"FETCHCTL_SERVER" description:"fetchqueue API address" default:"http://localhost:8787"`
	Username string        `short:"u" long:"username" env:"FETCHCTL_USERNAME" description:"basic auth user"`
	Password string        `short:"p" long:"password" env:"FETCHCTL_PASSWORD" description:"basic auth password"`
	Timeout  time.Duration `short:"t" long:"timeout" description:"request timeout, streams are not affected" default:"30s"`
}

type app struct {
	opts GlobalOptions
	ctx  context.Context
	in   io.Reader
	out  io.Writer
}

func (a *app) client() *apiClient {
	return newAPIClient(a.opts.Server, a.opts.Username, a.opts.Password, nil)
}

func (a *app) requestContext() (context.Context, context.CancelFunc) {
	if a.opts.Timeout <= 0 {
		return context.WithCancel(a.ctx)
	}

	return context.WithTimeout(a.ctx, a.opts.Timeout)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// DispatchCommand admits a job into a queue.
type DispatchCommand struct {
	app  *app
	Args struct {
		Queue   string `positional-arg-name:"queue" description:"downloads, model-downloads or embeddings"`
		Payload string `positional-arg-name:"payload" description:"JSON payload, - reads stdin"`
	} `positional-args:"yes" required:"yes"`
}

func (c *DispatchCommand) Execute([]string) error {
	payload := []byte(c.Args.Payload)

	if c.Args.Payload == "-" {
		raw, err := io.ReadAll(c.app.in)
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}

		payload = raw
	}

	if !json.Valid(payload) {
		return errors.New("payload is not valid JSON")
	}

	ctx, cancel := c.app.requestContext()
	defer cancel()

	var res jobs.DispatchResult
	if _, err := c.app.client().call(ctx, http.MethodPost, "/jobs/"+url.PathEscape(c.Args.Queue), nil, payload, &res); err != nil {
		return err
	}

	return c.app.printJSON(res)
}

// StatusCommand queries a job by idempotency key or by natural identity.
type StatusCommand struct {
	app    *app
	Fields []string `short:"f" long:"field" description:"identity field as name=value, repeatable"`
	Args   struct {
		Queue string `positional-arg-name:"queue" required:"yes"`
		Key   string `positional-arg-name:"key"`
	} `positional-args:"yes"`
}

func (c *StatusCommand) Execute([]string) error {
	path := "/jobs/" + url.PathEscape(c.Args.Queue)
	query := url.Values{}

	switch {
	case c.Args.Key != "" && len(c.Fields) > 0:
		return errors.New("use either a key or --field, not both")
	case c.Args.Key != "":
		path += "/" + url.PathEscape(c.Args.Key)
	case len(c.Fields) > 0:
		path += "/status"

		for _, f := range c.Fields {
			name, value, ok := strings.Cut(f, "=")
			if !ok || name == "" {
				return fmt.Errorf("invalid field %q, expected name=value", f)
			}

			query.Set(name, value)
		}
	default:
		return errors.New("a key or at least one --field is required")
	}

	ctx, cancel := c.app.requestContext()
	defer cancel()

	var status jobs.Status
	if _, err := c.app.client().call(ctx, http.MethodGet, path, query, nil, &status); err != nil {
		return err
	}

	return c.app.printJSON(status)
}

type listResponse struct {
	Active     []string `json:"active"`
	Downloaded []struct {
		URL          string    `json:"url"`
		Path         string    `json:"path"`
		Size         int64     `json:"size"`
		DownloadedAt time.Time `json:"downloaded_at"`
	} `json:"downloaded"`
}

// ListCommand prints the active and completed downloads of a family.
type ListCommand struct {
	app  *app
	Args struct {
		Family string `positional-arg-name:"family"`
	} `positional-args:"yes" required:"yes"`
}

func (c *ListCommand) Execute([]string) error {
	ctx, cancel := c.app.requestContext()
	defer cancel()

	var list listResponse
	if _, err := c.app.client().call(ctx, http.MethodGet, "/downloads/"+url.PathEscape(c.Args.Family), nil, nil, &list); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tSIZE\tWHEN\tURL")

	for _, u := range list.Active {
		fmt.Fprintf(tw, "active\t-\t-\t%s\n", u)
	}

	for _, r := range list.Downloaded {
		fmt.Fprintf(tw, "done\t%s\t%s\t%s\n", humanize.Bytes(uint64(r.Size)), humanize.Time(r.DownloadedAt), r.URL)
	}

	return tw.Flush()
}

// FetchCommand starts a tracked download in a family.
type FetchCommand struct {
	app       *app
	MimeTypes []string `short:"m" long:"mime" description:"allowed content type, repeatable"`
	Force     bool     `long:"force" description:"discard a partial file and start over"`
	Args      struct {
		Family string `positional-arg-name:"family"`
		URL    string `positional-arg-name:"url"`
		Path   string `positional-arg-name:"path" description:"file path inside the family directory"`
	} `positional-args:"yes" required:"yes"`
}

func (c *FetchCommand) Execute([]string) error {
	body, err := json.Marshal(jobs.DownloadFileParams{
		URL:              c.Args.URL,
		FilePath:         c.Args.Path,
		AllowedMimeTypes: c.MimeTypes,
		ForceNew:         c.Force,
	})
	if err != nil {
		return err
	}

	ctx, cancel := c.app.requestContext()
	defer cancel()

	var res struct {
		Path    string `json:"path"`
		Channel string `json:"channel"`
	}

	if _, err := c.app.client().call(ctx, http.MethodPost, "/downloads/"+url.PathEscape(c.Args.Family), nil, body, &res); err != nil {
		return err
	}

	fmt.Fprintf(c.app.out, "downloading %s to %s (events on %s)\n", c.Args.URL, res.Path, res.Channel)

	return nil
}

// CancelCommand cancels an in-flight download.
type CancelCommand struct {
	app  *app
	Args struct {
		Family string `positional-arg-name:"family"`
		URL    string `positional-arg-name:"url"`
	} `positional-args:"yes" required:"yes"`
}

func (c *CancelCommand) Execute([]string) error {
	ctx, cancel := c.app.requestContext()
	defer cancel()

	query := url.Values{"url": {c.Args.URL}}
	if _, err := c.app.client().call(ctx, http.MethodDelete, "/downloads/"+url.PathEscape(c.Args.Family), query, nil, nil); err != nil {
		return err
	}

	fmt.Fprintf(c.app.out, "cancelled %s\n", c.Args.URL)

	return nil
}

// WatchCommand follows the progress events of a family until interrupted.
type WatchCommand struct {
	app  *app
	Args struct {
		Family string `positional-arg-name:"family"`
	} `positional-args:"yes" required:"yes"`
}

func (c *WatchCommand) Execute([]string) error {
	path := "/downloads/" + url.PathEscape(c.Args.Family) + "/events"

	return c.app.client().stream(c.app.ctx, path, func(_ string, data []byte) error {
		var ev registry.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("invalid event: %w", err)
		}

		fmt.Fprintln(c.app.out, formatEvent(ev))

		return nil
	})
}

func formatEvent(ev registry.Event) string {
	switch ev.Status {
	case registry.StatusDownloading:
		return fmt.Sprintf("%-11s %6.2f%% %10s  %s", ev.Status, ev.Progress.Percentage, ev.Progress.Speed, ev.URL)
	case registry.StatusFailed:
		return fmt.Sprintf("%-11s %s: %s", ev.Status, ev.URL, ev.Error)
	default:
		return fmt.Sprintf("%-11s %s %s", ev.Status, ev.URL, ev.Path)
	}
}

// VersionCommand prints the client version.
type VersionCommand struct {
	app *app
}

func (c *VersionCommand) Execute([]string) error {
	_, err := fmt.Fprintf(c.app.out, "fetchctl %s\n", version)

	return err
}

func newParser(a *app) *flags.Parser {
	parser := flags.NewParser(&a.opts, flags.Default)
	parser.Name = "fetchctl"
	parser.Usage = "[OPTIONS] <command>"

	commands := []struct {
		name, short string
		data        any
	}{
		{"dispatch", "Dispatch a job", &DispatchCommand{app: a}},
		{"status", "Show the status of a job", &StatusCommand{app: a}},
		{"list", "List downloads of a family", &ListCommand{app: a}},
		{"fetch", "Start a download", &FetchCommand{app: a}},
		{"cancel", "Cancel a download", &CancelCommand{app: a}},
		{"watch", "Follow download events of a family", &WatchCommand{app: a}},
		{"version", "Show version information", &VersionCommand{app: a}},
	}

	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, "", c.data); err != nil {
			panic(fmt.Sprintf("invalid command %s: %v", c.name, err))
		}
	}

	return parser
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{ctx: ctx, in: os.Stdin, out: os.Stdout}

	// flags.Default prints parse and command errors itself.
	if _, err := newParser(a).Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && errors.Is(flagsErr.Type, flags.ErrHelp) {
			os.Exit(0)
		}

		os.Exit(1)
	}
}
