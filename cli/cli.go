// Package cli implements the xvpnctl commands on top of the helper client.
// Every command writes either a human-readable table or, with -output,
// JSON or YAML.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/yllada/xvpn-control/common"
	"github.com/yllada/xvpn-control/config"
	"github.com/yllada/xvpn-control/history"
	"github.com/yllada/xvpn-control/nativemsg"
	"github.com/yllada/xvpn-control/platform"
	"github.com/yllada/xvpn-control/vpn"
)

// Options configures a CLI.
type Options struct {
	Config   *config.Config
	Platform platform.Platform
	// Output overrides Config.Output when set.
	Output string
	// Out defaults to os.Stdout, In to os.Stdin.
	Out io.Writer
	In  io.Reader
}

// CLI represents the command-line interface.
type CLI struct {
	cfg      *config.Config
	platform platform.Platform
	format   string
	out      io.Writer
	in       io.Reader
	styles   styles

	dial    func(ctx context.Context) (*vpn.Client, error)
	client  *vpn.Client
	history *history.Store
	noHist  bool
}

// New creates a new CLI instance. The helper is spawned on the first
// command that needs it.
func New(opts Options) (*CLI, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("no platform configured")
	}
	format := opts.Output
	if format == "" {
		format = opts.Config.Output
	}
	if !validFormat(format) {
		return nil, fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}

	c := &CLI{
		cfg:      opts.Config,
		platform: opts.Platform,
		format:   format,
		out:      opts.Out,
		in:       opts.In,
		styles:   newStyles(format == common.OutputTable && isTerminal(opts.Out)),
		noHist:   !opts.Config.HistoryEnabled,
	}
	c.dial = func(ctx context.Context) (*vpn.Client, error) {
		return vpn.NewClient(ctx, c.platform, ClientConfig(c.cfg))
	}
	return c, nil
}

// ClientConfig maps the configuration file onto client settings.
func ClientConfig(cfg *config.Config) vpn.ClientConfig {
	cc := vpn.ClientConfig{
		ExtensionID:      cfg.ExtensionID,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		PollInterval:     cfg.PollInterval(),
		CloseGrace:       cfg.CloseGrace(),
		Logger:           common.GetLogger(),
		OnEvent: func(ev nativemsg.Message) {
			common.LogDebug("Event: %s", common.Truncate(ev.JSON(), 100))
		},
	}
	if cfg.MethodSet == config.MethodSetLegacy {
		cc.Methods = vpn.MethodsV1
	}
	return cc
}

// Close shuts the helper down and closes the history store.
func (c *CLI) Close() error {
	var errs []error
	if c.client != nil {
		errs = append(errs, c.client.Close())
		c.client = nil
	}
	if c.history != nil {
		errs = append(errs, c.history.Close())
		c.history = nil
	}
	return errors.Join(errs...)
}

func (c *CLI) vpnClient(ctx context.Context) (*vpn.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	client, err := c.dial(ctx)
	if err != nil {
		if errors.Is(err, common.ErrDaemonUnreachable) {
			return nil, fmt.Errorf("%w (is the application running? try -start-app)", err)
		}
		return nil, err
	}
	c.client = client
	return client, nil
}

// historyStore opens the history database on first use. History is
// best effort: a store that cannot be opened is logged and disabled.
func (c *CLI) historyStore(ctx context.Context) *history.Store {
	if c.noHist {
		return nil
	}
	if c.history != nil {
		return c.history
	}

	path, err := c.cfg.HistoryPath()
	if err == nil {
		var store *history.Store
		if store, err = history.Open(path); err == nil {
			if err = store.Init(ctx); err == nil {
				c.history = store
				return store
			}
			store.Close()
		}
	}
	common.LogWarn("History disabled: %v", err)
	c.noHist = true
	return nil
}

func (c *CLI) record(ctx context.Context, ev history.Event) {
	store := c.historyStore(ctx)
	if store == nil {
		return
	}
	if ev.SessionID == "" && c.client != nil {
		ev.SessionID = c.client.Session().ID()
	}
	if _, err := store.Record(ctx, ev); err != nil {
		common.LogWarn("Failed to record %s event: %v", ev.Kind, err)
	}
}

// actionResult is the structured output of a mutating command.
type actionResult struct {
	Action     string `json:"action" yaml:"action"`
	Location   string `json:"location,omitempty" yaml:"location,omitempty"`
	LocationID string `json:"location_id,omitempty" yaml:"location_id,omitempty"`
	Connected  *bool  `json:"connected,omitempty" yaml:"connected,omitempty"`
}

// done reports a finished action: a styled line for tables, the result
// object otherwise.
func (c *CLI) done(res actionResult, format string, args ...interface{}) error {
	if c.format != common.OutputTable {
		return render(c.out, c.format, res, nil)
	}
	fmt.Fprintln(c.out, c.styles.render(c.styles.ok, "✓ "+fmt.Sprintf(format, args...)))
	return nil
}

// progress prints an in-flight message in table mode only.
func (c *CLI) progress(format string, args ...interface{}) {
	if c.format == common.OutputTable {
		fmt.Fprintln(c.out, c.styles.render(c.styles.dim, fmt.Sprintf(format, args...)))
	}
}

// ListLocations lists the helper's location catalog.
func (c *CLI) ListLocations(ctx context.Context) error {
	client, err := c.vpnClient(ctx)
	if err != nil {
		return err
	}
	locations, err := sortedLocations(ctx, client)
	if err != nil {
		return err
	}

	if len(locations) == 0 && c.format == common.OutputTable {
		fmt.Fprintln(c.out, "No locations available.")
		return nil
	}

	return render(c.out, c.format, locations, func(w *tabwriter.Writer) {
		// tabwriter counts escape sequences as width, so cells stay plain.
		fmt.Fprintln(w, "ID\tNAME\tCODE\tRECOMMENDED")
		fmt.Fprintln(w, "--\t----\t----\t-----------")
		for _, loc := range locations {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", loc.ID, loc.Name, dash(loc.CountryCode), yesNo(loc.Recommended))
		}
	})
}

// sortedLocations returns a sorted copy of the client's catalog.
func sortedLocations(ctx context.Context, client *vpn.Client) ([]vpn.Location, error) {
	cached, err := client.Locations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get locations: %w", err)
	}
	locations := slices.Clone(cached)
	vpn.SortLocations(locations)
	return locations, nil
}

// Status shows the current tunnel status.
func (c *CLI) Status(ctx context.Context) error {
	client, err := c.vpnClient(ctx)
	if err != nil {
		return err
	}
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	if c.format != common.OutputTable {
		return render(c.out, c.format, st, nil)
	}
	fmt.Fprintln(c.out, c.statusLine(st))
	return nil
}

func (c *CLI) statusLine(st vpn.Status) string {
	if st.Connected {
		line := "● Connected"
		if st.Location != "" {
			line += " to " + st.Location
		}
		return c.styles.render(c.styles.ok, line)
	}
	line := "○ Disconnected"
	if st.State != "" && st.State != "disconnected" {
		line += " (" + st.State + ")"
	}
	return c.styles.render(c.styles.warn, line)
}

// Connect connects to the location called name. With wait it blocks until
// the tunnel is up or the configured timeout passes.
func (c *CLI) Connect(ctx context.Context, name string, wait bool) error {
	client, err := c.vpnClient(ctx)
	if err != nil {
		return err
	}
	loc, err := client.FindLocation(ctx, name)
	if err != nil {
		return err
	}
	return c.connectTo(ctx, client, loc, wait)
}

func (c *CLI) connectTo(ctx context.Context, client *vpn.Client, loc vpn.Location, wait bool) error {
	c.progress("Connecting to %s...", loc.Name)

	if _, err := client.Connect(ctx, loc.ID); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	c.record(ctx, history.Event{Kind: history.KindConnect, LocationID: loc.ID, LocationName: loc.Name})

	res := actionResult{Action: "connect", Location: loc.Name, LocationID: loc.ID}
	if !wait {
		return c.done(res, "Connect requested for %s", loc.Name)
	}

	if err := client.WaitForConnection(ctx, c.cfg.ConnectTimeout()); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	connected := true
	res.Connected = &connected
	return c.done(res, "Connected to %s", loc.Name)
}

// Disconnect drops the tunnel.
func (c *CLI) Disconnect(ctx context.Context, wait bool) error {
	client, err := c.vpnClient(ctx)
	if err != nil {
		return err
	}
	c.progress("Disconnecting...")

	if _, err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	c.record(ctx, history.Event{Kind: history.KindDisconnect})

	res := actionResult{Action: "disconnect"}
	if !wait {
		return c.done(res, "Disconnect requested")
	}

	if err := client.WaitForDisconnect(ctx, c.cfg.ConnectTimeout()); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	connected := false
	res.Connected = &connected
	return c.done(res, "Disconnected")
}

// Select makes name the helper's selected location without connecting.
func (c *CLI) Select(ctx context.Context, name string) error {
	client, err := c.vpnClient(ctx)
	if err != nil {
		return err
	}
	loc, err := client.FindLocation(ctx, name)
	if err != nil {
		return err
	}
	if _, err := client.SelectLocation(ctx, loc.ID); err != nil {
		return fmt.Errorf("failed to select location: %w", err)
	}
	c.record(ctx, history.Event{Kind: history.KindSelect, LocationID: loc.ID, LocationName: loc.Name})

	return c.done(actionResult{Action: "select", Location: loc.Name, LocationID: loc.ID}, "Selected %s", loc.Name)
}

// Pick shows an interactive location list and connects to the choice.
func (c *CLI) Pick(ctx context.Context, wait bool) error {
	client, err := c.vpnClient(ctx)
	if err != nil {
		return err
	}
	locations, err := sortedLocations(ctx, client)
	if err != nil {
		return err
	}

	loc, ok, err := runPicker(locations, c.in, c.out)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(c.out, "No location selected.")
		return nil
	}
	return c.connectTo(ctx, client, loc, wait)
}

// Watch prints tunnel transitions until ctx ends or the helper goes away.
// Transitions after the first observation are written to history.
func (c *CLI) Watch(ctx context.Context) error {
	client, err := c.vpnClient(ctx)
	if err != nil {
		return err
	}

	watcher := vpn.NewStatusWatcher(client, vpn.DefaultWatchConfig())

	var lastErr error
	watcher.SetOnError(func(err error, fails int) {
		lastErr = err
	})
	watcher.SetOnChange(func(from, to vpn.TunnelState, st vpn.Status) {
		c.printTransition(from, to, st)
		if from != vpn.TunnelUnknown && to != vpn.TunnelUnknown {
			c.record(ctx, history.Event{
				Kind:         history.KindState,
				LocationName: st.Location,
				Detail:       fmt.Sprintf("%s -> %s", from, to),
			})
		}
	})

	watcher.Start(ctx)
	defer watcher.Stop()

	select {
	case <-ctx.Done():
		<-watcher.Done()
		return nil
	case <-watcher.Done():
	}
	if ctx.Err() != nil {
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("stopped watching: %w", lastErr)
	}
	return nil
}

type transition struct {
	Time     time.Time `json:"time" yaml:"time"`
	From     string    `json:"from" yaml:"from"`
	To       string    `json:"to" yaml:"to"`
	Location string    `json:"location,omitempty" yaml:"location,omitempty"`
}

func (c *CLI) printTransition(from, to vpn.TunnelState, st vpn.Status) {
	if c.format != common.OutputTable {
		tr := transition{Time: time.Now(), From: from.String(), To: to.String(), Location: st.Location}
		if err := render(c.out, c.format, tr, nil); err != nil {
			common.LogWarn("Failed to print transition: %v", err)
		}
		return
	}

	stamp := c.styles.render(c.styles.dim, time.Now().Format("15:04:05"))
	switch to {
	case vpn.TunnelConnected, vpn.TunnelDisconnected:
		fmt.Fprintf(c.out, "%s  %s\n", stamp, c.statusLine(st))
	default:
		fmt.Fprintf(c.out, "%s  %s\n", stamp, c.styles.render(c.styles.fail, "? Status unknown"))
	}
}

// History prints the last n history events.
func (c *CLI) History(ctx context.Context, n int) error {
	if !c.cfg.HistoryEnabled {
		return fmt.Errorf("history is disabled in the configuration")
	}
	store := c.historyStore(ctx)
	if store == nil {
		return fmt.Errorf("history is unavailable, see the log for details")
	}
	events, err := store.Recent(ctx, n)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	if len(events) == 0 && c.format == common.OutputTable {
		fmt.Fprintln(c.out, "No history recorded.")
		return nil
	}
	if events == nil {
		events = []history.Event{}
	}

	return render(c.out, c.format, events, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "TIME\tEVENT\tLOCATION\tDETAIL\tSESSION")
		fmt.Fprintln(w, "----\t-----\t--------\t------\t-------")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				ev.Time.Local().Format("2006-01-02 15:04:05"),
				ev.Kind, dash(ev.LocationName), dash(ev.Detail), common.Truncate(ev.SessionID, 8))
		}
	})
}

// Preferences shows the engine preferences.
func (c *CLI) Preferences(ctx context.Context) error {
	client, err := c.vpnClient(ctx)
	if err != nil {
		return err
	}
	prefs, err := client.Preferences(ctx)
	if err != nil {
		return fmt.Errorf("failed to get preferences: %w", err)
	}

	return render(c.out, c.format, prefs, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Protocol:\t%s\n", dash(prefs.PreferredProtocol))
		fmt.Fprintf(w, "Traffic guard:\t%s\n", dash(prefs.TrafficGuardLevel))
	})
}

// Logs prints the helper's diagnostic logs.
func (c *CLI) Logs(ctx context.Context) error {
	return c.raw(ctx, "logs", (*vpn.Client).GetLogs)
}

// Messages prints the in-app messages.
func (c *CLI) Messages(ctx context.Context) error {
	return c.raw(ctx, "messages", (*vpn.Client).GetMessages)
}

// raw prints a response that has no typed form. Tables get the "logs" or
// "messages" field when it is a string, the JSON payload otherwise.
func (c *CLI) raw(ctx context.Context, field string, call func(*vpn.Client, context.Context) (nativemsg.Message, error)) error {
	client, err := c.vpnClient(ctx)
	if err != nil {
		return err
	}
	resp, err := call(client, ctx)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", field, err)
	}

	if c.format != common.OutputTable {
		return render(c.out, c.format, resp, nil)
	}
	if text := resp.String(field); text != "" {
		fmt.Fprintln(c.out, text)
		return nil
	}
	fmt.Fprintln(c.out, resp.JSON())
	return nil
}

// Action is a helper method that takes no arguments and returns nothing
// of interest.
type Action struct {
	Name string
	Done string
	Call func(*vpn.Client, context.Context) (nativemsg.Message, error)
}

// Actions available as plain flags.
var (
	ActionReset         = Action{"reset", "Application reset", (*vpn.Client).Reset}
	ActionSignOut       = Action{"sign-out", "Signed out", (*vpn.Client).SignOut}
	ActionRetry         = Action{"retry", "Connection retry requested", (*vpn.Client).RetryConnect}
	ActionStopSpeedTest = Action{"stop-speed-test", "Speed test stopped", (*vpn.Client).StopSpeedTest}
	ActionOpenPicker    = Action{"open-picker", "Location picker opened", (*vpn.Client).OpenLocationPicker}
	ActionOpenPrefs     = Action{"open-prefs", "Preferences opened", (*vpn.Client).OpenPreferences}
)

// Run performs a.
func (c *CLI) Run(ctx context.Context, a Action) error {
	client, err := c.vpnClient(ctx)
	if err != nil {
		return err
	}
	if _, err := a.Call(client, ctx); err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			return fmt.Errorf("%s is not supported by this helper (method_set is %s)", a.Name, c.cfg.MethodSet)
		}
		return fmt.Errorf("%s failed: %w", a.Name, err)
	}
	return c.done(actionResult{Action: a.Name}, "%s", a.Done)
}

// StartApp launches the desktop application if it is not running.
func (c *CLI) StartApp(ctx context.Context) error {
	running, err := c.platform.Running(ctx)
	if err != nil {
		common.LogWarn("Could not check whether the application is running: %v", err)
	}
	if running {
		return c.done(actionResult{Action: "start-app"}, "Application already running")
	}

	c.progress("Starting %s...", c.platform.ProgramPath())
	if err := c.platform.StartApp(ctx); err != nil {
		return fmt.Errorf("failed to start the application: %w", err)
	}
	return c.done(actionResult{Action: "start-app"}, "Application started")
}

// PrintHelp prints CLI usage help.
func PrintHelp() {
	fmt.Println(`xvpnctl - control the VPN desktop application from the terminal

Usage:
  xvpnctl [OPTIONS]

Options:
  -version             Show version and exit
  -verbose             Enable verbose logging (includes message tracing)
  -config PATH         Read configuration from PATH (.yaml or .toml)
  -output FORMAT       Output format: table, json or yaml
  -locations           List available locations
  -status              Show the tunnel status
  -connect NAME        Connect to a location by name
  -disconnect          Disconnect the tunnel
  -select NAME         Select a location without connecting
  -pick                Choose a location interactively and connect
  -wait                With -connect, -pick or -disconnect: wait for the result
  -watch               Print status changes until interrupted
  -history N           Show the last N recorded events
  -prefs               Show engine preferences
  -logs                Print the application's diagnostic logs
  -messages            Print in-app messages
  -reset               Reset the application
  -sign-out            Sign out of the application
  -retry               Retry the last connection
  -stop-speed-test     Stop a running speed test
  -open-picker         Open the application's location picker
  -open-prefs          Open the application's preferences
  -start-app           Start the desktop application
  -help                Show this help message

Examples:
  xvpnctl -locations
  xvpnctl -connect "Germany - Frankfurt" -wait
  xvpnctl -status -output json
  xvpnctl -history 20

Notes:
  - The desktop application must be installed and running
  - Location names are matched ignoring case`)
}
