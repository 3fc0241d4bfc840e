// Package app wires the components into a running client core: config,
// name cache, signaling channel, media controller, session manager and the
// localhost control API.
package app

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/huddlekit/huddle/internal/api"
	"github.com/huddlekit/huddle/internal/call"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/directory"
	"github.com/huddlekit/huddle/internal/media"
	"github.com/huddlekit/huddle/internal/signal"
	"github.com/huddlekit/huddle/internal/storage"
)

var alog = logging.Logger("huddle")

type Options struct {
	// CfgPath is where the config was loaded from; relative paths inside
	// the config resolve against its directory, and the file is watched
	// for edits.
	CfgPath string
	Cfg     config.Config
}

// Run starts the client core and blocks until ctx is cancelled, then shuts
// everything down in reverse order.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	_ = logging.SetLogLevel("huddle", "info")

	baseDir := filepath.Dir(opt.CfgPath)
	cacheDir := cfg.Directory.CacheDir
	if cacheDir != "" && !filepath.IsAbs(cacheDir) {
		cacheDir = filepath.Join(baseDir, cacheDir)
	}

	// Name cache
	db, err := storage.Open(cacheDir)
	if err != nil {
		return err
	}
	defer db.Close()

	resolver := directory.NewClient(cfg.Directory.BaseURL, db)

	// Signaling channel: connects in the background, authenticating as
	// the configured user on every (re)connect.
	sig := signal.Dial(cfg.Signaling.URL, cfg.Identity.UserID)
	defer sig.Close()

	med := media.NewController(media.Config{
		PreferredCam: cfg.Media.PreferredCam,
		PreferredMic: cfg.Media.PreferredMic,
		Constrained:  cfg.Media.Constrained,
	})
	defer med.Release()

	mgr := call.New(sig, med, resolver, cfg.Identity.UserID, call.Options{
		RingTimeout:    time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		ReconnectGrace: time.Duration(cfg.Call.ReconnectGraceSec) * time.Second,
		ICEServers:     cfg.ICE.Servers,
	})
	defer mgr.Close()

	alog.Infow("client core up",
		"user", cfg.Identity.UserID,
		"signaling", cfg.Signaling.URL,
	)

	// Control API (optional)
	var srv *api.Server
	if cfg.API.HTTPAddr != "" {
		srv = api.New(cfg.API.HTTPAddr, mgr, sig, cfg.API.Debug)
		if err := srv.Start(); err != nil {
			return err
		}
	}

	// Most settings need a restart; the watcher just reports edits so an
	// operator knows the running process has not picked them up.
	stopWatch, err := config.Watch(opt.CfgPath, func(next config.Config) {
		if next.Identity.UserID != cfg.Identity.UserID || next.Signaling.URL != cfg.Signaling.URL {
			alog.Warnw("identity/signaling changed on disk, restart to apply")
		}
	})
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	<-ctx.Done()
	alog.Infow("shutting down")

	if srv != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Printf("APP: api shutdown: %v", err)
		}
	}
	return nil
}
