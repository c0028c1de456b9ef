// Package main provides the entry point for xvpnctl.
// xvpnctl drives the VPN desktop application through the browser helper it
// ships for its browser extension: it lists locations, reports status and
// connects or disconnects the tunnel from the terminal.
//
// Usage:
//
//	xvpnctl [options]
//
// Environment:
//
//	The VPN desktop application must be installed; most commands also need
//	it to be running (see -start-app).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yllada/xvpn-control/cli"
	"github.com/yllada/xvpn-control/common"
	"github.com/yllada/xvpn-control/config"
	"github.com/yllada/xvpn-control/platform"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	// General flags
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")
	configPath  = flag.String("config", "", "Configuration file (.yaml or .toml)")
	output      = flag.String("output", "", "Output format: table, json or yaml")

	// Commands
	listLocations = flag.Bool("locations", false, "List available locations")
	showStatus    = flag.Bool("status", false, "Show the tunnel status")
	connectTo     = flag.String("connect", "", "Connect to a location by name")
	disconnectVPN = flag.Bool("disconnect", false, "Disconnect the tunnel")
	selectLoc     = flag.String("select", "", "Select a location without connecting")
	pickLocation  = flag.Bool("pick", false, "Choose a location interactively and connect")
	wait          = flag.Bool("wait", false, "Wait for connect or disconnect to finish")
	watchStatus   = flag.Bool("watch", false, "Print status changes until interrupted")
	showHistory   = flag.Int("history", 0, "Show the last N recorded events")
	showLogs      = flag.Bool("logs", false, "Print the application's diagnostic logs")
	showPrefs     = flag.Bool("prefs", false, "Show engine preferences")
	showMessages  = flag.Bool("messages", false, "Print in-app messages")
	reset         = flag.Bool("reset", false, "Reset the application")
	signOut       = flag.Bool("sign-out", false, "Sign out of the application")
	retry         = flag.Bool("retry", false, "Retry the last connection")
	stopSpeedTest = flag.Bool("stop-speed-test", false, "Stop a running speed test")
	openPicker    = flag.Bool("open-picker", false, "Open the application's location picker")
	openPrefs     = flag.Bool("open-prefs", false, "Open the application's preferences")
	startApp      = flag.Bool("start-app", false, "Start the desktop application")
)

func main() {
	flag.Parse()

	// Handle help flag
	if *showHelp {
		cli.PrintHelp()
		os.Exit(0)
	}

	// Handle version flag
	if *showVersion {
		fmt.Printf("xvpnctl v%s\n", appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger with structured logging and file output
	logLevel := common.LevelInfo
	if *verbose || cfg.Debug {
		logLevel = common.LevelDebug
	}

	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		EnableFile:  true,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()

	if !anyCommand() {
		cli.PrintHelp()
		os.Exit(2)
	}

	// Cancelled on SIGINT/SIGTERM; -watch stops and -wait gives up.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg)
	stop()
	common.CloseLogger()
	os.Exit(code)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.Load()
	if err != nil {
		// A broken default file should not block the CLI.
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
		return config.DefaultConfig(), nil
	}
	return cfg, nil
}

func anyCommand() bool {
	return *listLocations || *showStatus || *connectTo != "" || *disconnectVPN ||
		*selectLoc != "" || *pickLocation || *watchStatus || *showHistory > 0 ||
		*showLogs || *showPrefs || *showMessages || *reset || *signOut || *retry ||
		*stopSpeedTest || *openPicker || *openPrefs || *startApp
}

// run dispatches the selected command and returns the exit code.
func run(ctx context.Context, cfg *config.Config) int {
	plat, err := platform.Detect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	plat = platform.WithServicePath(plat, cfg.ServicePath)

	common.LogInfo("Starting %s v%s on %s", common.AppName, appVersion, plat.Name())

	cliApp, err := cli.New(cli.Options{Config: cfg, Platform: plat, Output: *output})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliApp.Close()

	var cliErr error

	switch {
	case *startApp:
		cliErr = cliApp.StartApp(ctx)
	case *listLocations:
		cliErr = cliApp.ListLocations(ctx)
	case *showStatus:
		cliErr = cliApp.Status(ctx)
	case *connectTo != "":
		cliErr = cliApp.Connect(ctx, *connectTo, *wait)
	case *disconnectVPN:
		cliErr = cliApp.Disconnect(ctx, *wait)
	case *selectLoc != "":
		cliErr = cliApp.Select(ctx, *selectLoc)
	case *pickLocation:
		cliErr = cliApp.Pick(ctx, *wait)
	case *watchStatus:
		cliErr = cliApp.Watch(ctx)
	case *showHistory > 0:
		cliErr = cliApp.History(ctx, *showHistory)
	case *showLogs:
		cliErr = cliApp.Logs(ctx)
	case *showPrefs:
		cliErr = cliApp.Preferences(ctx)
	case *showMessages:
		cliErr = cliApp.Messages(ctx)
	case *reset:
		cliErr = cliApp.Run(ctx, cli.ActionReset)
	case *signOut:
		cliErr = cliApp.Run(ctx, cli.ActionSignOut)
	case *retry:
		cliErr = cliApp.Run(ctx, cli.ActionRetry)
	case *stopSpeedTest:
		cliErr = cliApp.Run(ctx, cli.ActionStopSpeedTest)
	case *openPicker:
		cliErr = cliApp.Run(ctx, cli.ActionOpenPicker)
	case *openPrefs:
		cliErr = cliApp.Run(ctx, cli.ActionOpenPrefs)
	}

	if cliErr != nil {
		common.LogError("Command failed: %v", cliErr)
		fmt.Fprintf(os.Stderr, "Error: %v\n", cliErr)
		return 1
	}
	return 0
}
