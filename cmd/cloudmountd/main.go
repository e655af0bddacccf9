// Command cloudmountd mounts a remote cloud drive as a local filesystem
// and drives the background sync engine that keeps it in sync.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cloudmount/cloudmount/internal/conflict"
	"github.com/cloudmount/cloudmount/internal/config"
	"github.com/cloudmount/cloudmount/internal/fsnode"
	"github.com/cloudmount/cloudmount/internal/logging"
	"github.com/cloudmount/cloudmount/internal/metadata"
	"github.com/cloudmount/cloudmount/internal/queue"
	"github.com/cloudmount/cloudmount/internal/reconciler"
	"github.com/cloudmount/cloudmount/internal/remote"
	"github.com/cloudmount/cloudmount/internal/scheduler"
	"github.com/cloudmount/cloudmount/internal/staging"
	"github.com/cloudmount/cloudmount/internal/status"
	"github.com/cloudmount/cloudmount/internal/worker"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "cloudmountd %s\n\n", version)
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <mountpoint>\n\n", os.Args[0])
	flag.PrintDefaults()
}

type flags struct {
	configPath string
	cacheDir   string
	logLevel   string
	daemon     bool
	wipeCache  bool
	showVer    bool
}

func setupFlags() (*flags, string) {
	f := &flags{}
	flag.StringVar(&f.configPath, "config-file", config.DefaultConfigPath(), "path to settings.json")
	flag.StringVar(&f.cacheDir, "cache-dir", "", "override the on-disk cache/state directory")
	flag.StringVar(&f.logLevel, "log-level", "", "log level (trace|debug|info|warn|error); settings.json has no log level key")
	flag.BoolVar(&f.daemon, "daemon", false, "detach and run in the background")
	flag.BoolVar(&f.wipeCache, "wipe-cache", false, "delete all cached metadata and staged content before starting")
	flag.BoolVar(&f.showVer, "version", false, "print the version and exit")
	flag.Usage = usage
	flag.Parse()

	if f.showVer {
		fmt.Println(version)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	return f, flag.Arg(0)
}

// secrets is the on-disk fallback credential file read when the system
// keyring isn't available. Acquiring the token in the first place (the
// OAuth2 flow) is out of scope here; cloudmountd only ever reads it.
type secrets struct {
	AccessToken string `json:"access_token"`
	DriveID     string `json:"drive_id"`
}

func loadSecrets(confDir string) secrets {
	path := filepath.Join(confDir, "secrets.json")
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("no secrets file, remote calls will be unauthenticated")
		return secrets{
			AccessToken: os.Getenv("CLOUDMOUNT_ACCESS_TOKEN"),
			DriveID:     os.Getenv("CLOUDMOUNT_DRIVE_ID"),
		}
	}
	var s secrets
	if err := json.Unmarshal(data, &s); err != nil {
		log.Error().Err(err).Str("path", path).Msg("could not parse secrets file")
	}
	return s
}

// checkConnectivity does a best-effort HEAD against the remote API root
// before mounting, so a cold start with no network is logged with a
// clear warning (the daemon then continues offline) rather than surfacing
// only as a confusing first delta-fetch error.
func checkConnectivity(ctx context.Context, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, remote.BaseURL, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return true
}

func main() {
	f, mountpoint := setupFlags()

	absMountPath, err := filepath.Abs(mountpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not resolve mountpoint: %v\n", err)
		os.Exit(1)
	}
	st, err := os.Stat(absMountPath)
	if err != nil || !st.IsDir() {
		fmt.Fprintf(os.Stderr, "mountpoint %q does not exist or is not a directory\n", absMountPath)
		os.Exit(1)
	}
	if mounted, err := mountinfo.Mounted(absMountPath); err == nil && mounted {
		fmt.Fprintf(os.Stderr, "mountpoint %q is already mounted\n", absMountPath)
		os.Exit(1)
	}

	if f.daemon {
		daemonize()
	}

	cfg := config.Load(f.configPath)
	if f.cacheDir != "" {
		cfg.CacheDir = f.cacheDir
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "could not create cache dir %q: %v\n", cfg.CacheDir, err)
		os.Exit(1)
	}
	logDir := filepath.Join(cfg.CacheDir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "could not create log dir %q: %v\n", logDir, err)
		os.Exit(1)
	}
	if err := logging.Init(cfg.LogLevel, filepath.Join(logDir, "daemon.log")); err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logging: %v\n", err)
		os.Exit(1)
	}

	if f.wipeCache {
		log.Warn().Str("cacheDir", cfg.CacheDir).Msg("wiping cache directory before startup")
		for _, name := range []string{"items.db", "downloads", "uploads", "local"} {
			if err := os.RemoveAll(filepath.Join(cfg.CacheDir, name)); err != nil {
				log.Error().Err(err).Str("name", name).Msg("failed to wipe cache entry")
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !checkConnectivity(ctx, 10*time.Second) {
		log.Warn().Msg("remote API unreachable at startup, continuing offline")
	}

	confDir := filepath.Dir(f.configPath)
	creds := loadSecrets(confDir)
	client := remote.NewHTTPClient(&remote.Auth{AccessToken: creds.AccessToken}, creds.DriveID)

	store, err := metadata.Open(filepath.Join(cfg.CacheDir, "items.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open metadata store")
	}
	defer store.Close()
	cachedStore, err := metadata.NewCachedStore(store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wrap metadata store with cache")
	}

	q, err := queue.Open(store.DB())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open work queue")
	}
	if n, err := q.RecoverAbandoned(5 * time.Minute); err != nil {
		log.Warn().Err(err).Msg("failed to recover abandoned queue entries")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("reset abandoned in-progress queue entries to pending")
	}

	stage, err := staging.Open(cfg.CacheDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open staging area")
	}

	resolver := conflict.NewResolver(cfg.ConflictResolutionStrategy, cachedStore, q, stage)
	rec := reconciler.New(client, cachedStore, q, resolver)
	dl := worker.NewDownloadWorker(client, cachedStore, q, stage, int(cfg.SyncConfig.MaxRetryCount))
	ul := worker.NewUploadWorker(client, cachedStore, q, stage, resolver, int(cfg.SyncConfig.MaxRetryCount))

	broadcaster := status.NewBroadcaster(sanitizeInstanceName(absMountPath))
	if err := broadcaster.Start(); err != nil {
		log.Warn().Err(err).Msg("failed to start D-Bus status broadcaster, status updates will be local only")
	}
	defer broadcaster.Stop()

	sched := scheduler.New()
	sched.AddTask(scheduler.NameSyncCycle, time.Duration(cfg.SyncConfig.SyncIntervalSeconds)*time.Second,
		scheduler.NewSyncCycleTask(rec, dl, ul))
	sched.AddTask(scheduler.NameStatusBroadcast, 5*time.Second, scheduler.NewStatusBroadcastTask(broadcaster, status.Inputs{
		AuthValid:     func() bool { return creds.AccessToken != "" },
		SyncState:     func() status.SyncState { return syncStateOf(sched) },
		ConflictCount: store.CountConflicted,
		IsMounted:     func() bool { mounted, _ := mountinfo.Mounted(absMountPath); return mounted },
		ProbeURL:      remote.BaseURL,
	}))
	sched.Start(ctx)
	defer sched.Stop()

	filesystem := fsnode.New(cachedStore, q, stage, client)
	mountOptions := &fuse.MountOptions{
		Name:          "cloudmount",
		FsName:        "cloudmount",
		DisableXAttrs: false,
		MaxBackground: 1024,
	}
	server, err := fuse.NewServer(filesystem, absMountPath, mountOptions)
	if err != nil {
		log.Fatal().Err(err).Str("mountpoint", absMountPath).Msg("failed to mount filesystem")
	}

	status.NotifyReady()
	go status.WatchdogLoop(ctx)
	setupSignalHandler(cancel, sched, broadcaster, server, absMountPath)

	log.Info().Str("cacheDir", cfg.CacheDir).Str("mountpoint", absMountPath).Msg("serving filesystem")
	server.Serve()
}

func syncStateOf(sched *scheduler.Scheduler) status.SyncState {
	switch {
	case sched.IsPaused():
		return status.SyncPaused
	case sched.LastError(scheduler.NameSyncCycle) != nil:
		return status.SyncError
	default:
		return status.SyncRunning
	}
}

func sanitizeInstanceName(mountpoint string) string {
	replacer := strings.NewReplacer("/", "_", " ", "_")
	return strings.Trim(replacer.Replace(mountpoint), "_")
}

// setupSignalHandler stops the scheduler and broadcaster and unmounts the
// filesystem on SIGINT/SIGTERM, retrying the unmount a few times since the
// kernel can briefly hold the mount busy right after the last file handle
// closes.
func setupSignalHandler(cancel context.CancelFunc, sched *scheduler.Scheduler, broadcaster *status.Broadcaster, server *fuse.Server, mountpoint string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("signal received, shutting down")

		status.NotifyStopping()
		cancel()
		sched.Stop()
		broadcaster.Stop()

		const maxRetries = 3
		delay := 500 * time.Millisecond
		var err error
		for i := 0; i < maxRetries; i++ {
			if err = server.Unmount(); err == nil {
				break
			}
			log.Warn().Err(err).Int("attempt", i+1).Msg("unmount failed, retrying")
			time.Sleep(delay)
			delay *= 2
		}
		if err != nil {
			log.Error().Err(err).Str("mountpoint", mountpoint).
				Msg(`failed to unmount cleanly; run "fusermount3 -uz <mountpoint>" to unmount manually`)
			os.Exit(1)
		}
		log.Info().Msg("filesystem unmounted")
		os.Exit(0)
	}()
}

// daemonize re-execs the current process with --daemon stripped and a
// detached session, then exits the parent.
func daemonize() {
	args := make([]string, 0, len(os.Args))
	for _, a := range os.Args[1:] {
		if a != "--daemon" {
			args = append(args, a)
		}
	}

	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Setsid: true}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start daemon process: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
