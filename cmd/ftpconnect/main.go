// Command ftpconnect opens a control connection to a bookmarked or given
// server, optionally downloads files through the worker machinery and
// prints the connection transcript.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	ftp "github.com/OpenSalamander/salamander-sub033"
	"github.com/OpenSalamander/salamander-sub033/internal/config"
	"github.com/OpenSalamander/salamander-sub033/internal/connlog"
	"github.com/OpenSalamander/salamander-sub033/internal/diskthread"
	"github.com/OpenSalamander/salamander-sub033/internal/metrics"
	"github.com/OpenSalamander/salamander-sub033/internal/passwords"
	"github.com/OpenSalamander/salamander-sub033/internal/ratelimit"
	"github.com/OpenSalamander/salamander-sub033/internal/workers"
)

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "ftpconnect.toml"
	}
	return filepath.Join(dir, "ftpconnect", "config.toml")
}

func main() {
	var (
		configPath = flag.String("config", defaultConfigPath(), "configuration file")
		bookmark   = flag.String("bookmark", "", "bookmark to connect to")
		host       = flag.String("host", "", "server to connect to (instead of a bookmark)")
		port       = flag.Int("port", 21, "server port")
		user       = flag.String("user", "anonymous", "user name")
		passive    = flag.Bool("passive", true, "use passive data connections")
		list       = flag.String("list", "", "list this remote directory after login")
		download   = flag.String("download", "", "comma separated remote files to download")
		target     = flag.String("to", ".", "target directory of downloads")
		debug      = flag.Bool("debug", false, "log FTP commands to stderr")
		transcript = flag.Bool("transcript", false, "print the connection log at exit")
	)
	flag.Parse()

	if err := run(*configPath, *bookmark, &config.Bookmark{
		Name: "command line", Host: *host, Port: *port, User: *user, Passive: *passive,
	}, *list, *download, *target, *debug, *transcript); err != nil {
		errorColor.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, bookmark string, adhoc *config.Bookmark, list, download, target string, debug, transcript bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	b := adhoc
	if bookmark != "" {
		var ok bool
		if b, ok = cfg.Bookmark(bookmark); !ok {
			return fmt.Errorf("unknown bookmark %q", bookmark)
		}
	} else if adhoc.Host == "" {
		return errors.New("either -bookmark or -host is required")
	}

	var pm *passwords.Manager
	if cfg.PasswordKeyFile != "" {
		if pm, err = passwords.LoadOrCreateKey(cfg.PasswordKeyFile); err != nil {
			return fmt.Errorf("failed to load password key: %w", err)
		}
	}

	var logs *connlog.Logs
	if cfg.Log.File != "" {
		if logs, err = connlog.NewFile(cfg.Log.File, cfg.Log.MaxSizeMB); err != nil {
			return err
		}
	} else {
		logs = connlog.New(nil)
	}
	logs.SetMaxLines(cfg.Log.MaxLines)
	defer logs.Shutdown()

	collector := metrics.New()
	if cfg.Metrics.Listen != "" {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: collector.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics endpoint: %v", err)
			}
		}()
		defer srv.Close()
	}

	params, err := connectionParameters(cfg, b, pm)
	if err != nil {
		return err
	}
	defer params.Zero()

	ui := newTerminalUI()
	limiter := ratelimit.New(cfg.BandwidthLimit)
	defer limiter.Stop()

	opts := append(options(cfg),
		ftp.WithUserInterface(ui),
		ftp.WithConnectionLog(logs),
		ftp.WithMetrics(collector),
		ftp.WithBandwidthLimit(limiter),
	)
	if pm != nil {
		opts = append(opts, ftp.WithPasswordManager(pm))
	}
	if debug {
		opts = append(opts, ftp.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	}
	conn, err := ftp.New(params, opts...)
	if err != nil {
		return err
	}
	defer conn.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			ui.interrupt()
		}
	}()

	go func() {
		err := config.Watch(ctx, configPath, func(newCfg *config.Config, err error) {
			if err != nil {
				errorColor.Fprintf(os.Stderr, "configuration not reloaded: %v\n", err)
				return
			}
			limiter.SetRate(newCfg.BandwidthLimit)
			infoColor.Fprintln(os.Stderr, "configuration reloaded")
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("config watch: %v", err)
		}
	}()

	res, err := conn.StartControlConnection(ctx, ftp.StartOptions{CanShowWelcome: true})
	if transcript {
		defer func() { _ = printTranscript(os.Stdout, logs, conn.LogUID()) }()
	}
	if err != nil {
		if res != nil && res.Canceled {
			return errors.New("connection canceled")
		}
		return err
	}
	defer conn.Quit(context.Background())

	successColor.Printf("Connected to %s, working directory %s (%s)\n", params.Host, res.WorkingDir, conn.ServerSystem())

	if list != "" {
		listing, err := conn.List(ctx, list)
		if err != nil {
			return err
		}
		os.Stdout.Write(listing)
	}

	if download != "" {
		return downloadFiles(ctx, cfg, conn, opts, cfg.MaxWorkers, strings.Split(download, ","), target, collector)
	}
	return nil
}

// downloadFiles downloads the files by workerCount workers taking them from
// one queue. Each worker logs in on its own connection with the parameters
// conn ended up with.
func downloadFiles(ctx context.Context, cfg *config.Config, conn *ftp.ControlConnection, opts []ftp.Option,
	workerCount int, files []string, target string, collector *metrics.Collector,
) error {
	disk := diskthread.New()
	defer disk.Terminate(-1)

	params := conn.ConnectionParameters()
	// the workers cannot ask, the terminal belongs to the main connection
	op := ftp.NewOperation(params, disk, append(opts, ftp.WithUserInterface(ftp.AutoUI{}))...)
	params.Zero()
	defer op.Dispose()
	op.Configure = cfg.Apply
	op.ResumeOverlap = cfg.ResumeOverlap
	op.ResumeMinFileSize = cfg.ResumeMinFileSize
	op.AddWorkers(workerCount)

	var (
		mu     sync.Mutex
		failed *multierror.Error
	)
	op.Report = func(item ftp.DownloadItem, n int64, err error) {
		switch {
		case errors.Is(err, ftp.ErrSkipped):
			infoColor.Printf("%s skipped\n", item.RemotePath)
		case err != nil:
			mu.Lock()
			failed = multierror.Append(failed, fmt.Errorf("download of %s failed: %w", item.RemotePath, err))
			mu.Unlock()
		default:
			successColor.Printf("%s: %d bytes\n", item.RemotePath, n)
		}
	}

	items := make([]ftp.DownloadItem, 0, len(files))
	for _, f := range files {
		f = strings.TrimSpace(f)
		items = append(items, ftp.DownloadItem{
			RemotePath: f,
			TargetDir:  target,
			Name:       diskthread.MakeValidName(path.Base(f)),
			Size:       -1,
		})
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	go watchWorkers(watchCtx, op)
	err := op.RunDownloads(ctx, items...)
	stopWatch()
	if err == nil {
		mu.Lock()
		err = failed.ErrorOrNil()
		mu.Unlock()
	}

	for state, n := range op.Workers.StateCounts() {
		collector.SetWorkers(state.String(), n)
	}
	collector.SetDiskQueue(disk.Pending())
	if perr := printWorkers(os.Stdout, op.Workers); perr != nil && err == nil {
		err = perr
	}
	if cerr := disk.CloseErrors(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// watchWorkers prints the connection errors of the workers and stops the
// operation once every worker waits after an error.
func watchWorkers(ctx context.Context, op *ftp.Operation) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		list := op.Workers
		for {
			i, ok := list.SearchWorkerWithNewError(list.LastErrorTime())
			if !ok {
				break
			}
			if text, ok := list.ErrorDescription(i); ok {
				errorColor.Fprintf(os.Stderr, "worker %d: %s\n", i+1, text)
			}
		}
		counts := list.StateCounts()
		if n := counts[workers.StateConnectionError]; n > 0 && n+counts[workers.StateStopped] == list.Count() {
			op.Stop()
			return
		}
	}
}
