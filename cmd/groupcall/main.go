package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/voxhall/groupcall/internal/adapters/engine"
	"github.com/voxhall/groupcall/internal/adapters/httpapi"
	signalclient "github.com/voxhall/groupcall/internal/adapters/signal"
	"github.com/voxhall/groupcall/internal/call"
	"github.com/voxhall/groupcall/internal/config"
	"github.com/voxhall/groupcall/internal/core"
	"github.com/voxhall/groupcall/internal/directory"
	"github.com/voxhall/groupcall/internal/domain"
)

// logDelegate writes controller notifications to the log; a UI layer
// would render them instead.
type logDelegate struct{}

func (logDelegate) PlaySound(s core.Sound) {
	log.Info().Int("sound", int(s)).Msg("play sound")
}

func (logDelegate) CallFinished() {
	log.Info().Msg("call finished")
}

func (logDelegate) CallFailed(reason core.FailReason) {
	log.Error().Int("reason", int(reason)).Msg("call failed")
}

func (logDelegate) AllowedToSpeak() {
	log.Info().Msg("allowed to speak")
}

func (logDelegate) RequestAudioPermission(grant func()) {
	grant()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	callID := flag.Int64("call", 0, "call id to join")
	accessHash := flag.Int64("hash", 0, "call access hash")
	inviteHash := flag.String("invite", "", "invite hash")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	dir := directory.NewStore()

	// The websocket read loop delivers pushes before the controller
	// exists; route through a late-bound handler.
	handler := &lateHandler{}
	client, err := signalclient.Dial(ctx, cfg.SignalURL, handler)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.SignalURL).Msg("signaling connect failed")
	}
	defer client.Close()

	ctl, err := call.New(call.Options{
		Signaling: client,
		Directory: dir,
		Engine:    engine.Factory(engine.Config{ICEServers: cfg.ICEServers}),
		Delegate:  logDelegate{},
		JoinAs:    domain.PeerID(cfg.JoinAs),
		JoinHash:  *inviteHash,
		CanManage: cfg.CanManage,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("controller init failed")
	}
	defer ctl.Close()
	handler.set(ctl)

	if *callID != 0 {
		ctl.Join(domain.CallRef{ID: *callID, AccessHash: *accessHash})
	} else {
		ctl.Start(0)
	}

	r := httpapi.SetupRouter(cfg.Mode, ctl, dir)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		log.Info().Str("addr", addr).Msg("debug server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	ctl.Hangup()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("exited gracefully")
}

// lateHandler forwards pushes to the bound target, dropping the few
// that may arrive before binding. The websocket read loop calls it
// concurrently with the bind on the main goroutine.
type lateHandler struct {
	target atomic.Value // core.UpdateHandler
}

func (h *lateHandler) set(target core.UpdateHandler) { h.target.Store(target) }

func (h *lateHandler) bound() core.UpdateHandler {
	if v := h.target.Load(); v != nil {
		return v.(core.UpdateHandler)
	}
	return nil
}

func (h *lateHandler) HandleParticipantsUpdate(u core.ParticipantsUpdate) {
	if t := h.bound(); t != nil {
		t.HandleParticipantsUpdate(u)
	}
}

func (h *lateHandler) HandleCallDiscarded(callID int64) {
	if t := h.bound(); t != nil {
		t.HandleCallDiscarded(callID)
	}
}

func (h *lateHandler) HandleScheduleDate(callID, date int64) {
	if t := h.bound(); t != nil {
		t.HandleScheduleDate(callID, date)
	}
}
