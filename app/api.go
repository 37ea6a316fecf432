package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fiffu/releasewatch/config"
	"github.com/fiffu/releasewatch/lib"
	"github.com/fiffu/releasewatch/lib/models"
	"github.com/fiffu/releasewatch/lib/store"
)

func NewAPI(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, svc *lib.Service) *http.Server {
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: router(cfg, log, svc)}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go srv.ListenAndServe()
			return nil
		},
		OnStop: srv.Shutdown,
	})

	return srv
}

func router(cfg *config.Config, log *zap.Logger, svc *lib.Service) http.Handler {
	ctrl := &controller{log, svc}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		if creds := cfg.GetCreds(); len(creds) > 0 {
			r.Use(middleware.BasicAuth("releasewatch", creds))
		} else {
			log.Sugar().Info("Auth is disabled since no credentials are defined")
		}

		r.Post("/checks", ctrl.checkRepo)

		r.Route("/subscribers/{subscriber_id}", func(r chi.Router) {
			r.Post("/subscriptions", ctrl.track)
			r.Delete("/subscriptions", ctrl.untrack)
			r.Put("/subscriptions/interval", ctrl.setInterval)
			r.Get("/subscriptions", ctrl.listSubscriptions)
			r.Post("/checks", ctrl.checkNow)
			r.Get("/delivery-failures", ctrl.listDeliveryFailures)
		})
	})

	return r
}

type controller struct {
	log *zap.Logger
	svc *lib.Service
}

func (ctrl *controller) reject(w http.ResponseWriter, status int, err error) {
	if err != nil {
		http.Error(w, err.Error(), status)
	} else {
		w.WriteHeader(status)
	}
}

func (ctrl *controller) rejectErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidRepoRef), errors.Is(err, lib.ErrIntervalTooShort):
		ctrl.reject(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		ctrl.reject(w, http.StatusNotFound, err)
	default:
		ctrl.reject(w, http.StatusInternalServerError, err)
	}
}

func (ctrl *controller) resolve(w http.ResponseWriter, status int, body any) {
	if b, err := json.Marshal(body); err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		ctrl.log.Sugar().Error("Request failed", "error", err)
		return
	} else {
		w.WriteHeader(status)
		if b != nil {
			w.Write(b)
		}
	}
}

func (ctrl *controller) track(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := lib.TrackRequest{
		SubscriberID:       chi.URLParam(r, "subscriber_id"),
		Provider:           r.FormValue("provider"),
		Repo:               r.FormValue("repo"),
		CredentialRef:      r.FormValue("credential_ref"),
		Platform:           r.FormValue("platform"),
		PlatformIdentifier: r.FormValue("platform_id"),
	}
	if raw := r.FormValue("interval_seconds"); raw != "" {
		interval, err := strconv.Atoi(raw)
		if err != nil {
			ctrl.reject(w, http.StatusBadRequest, errors.New("interval_seconds must be an integer"))
			return
		}
		req.IntervalSeconds = interval
	}
	if req.Repo == "" {
		ctrl.reject(w, http.StatusBadRequest, errors.New("repo is required"))
		return
	}
	if req.Platform == "" || req.PlatformIdentifier == "" {
		ctrl.reject(w, http.StatusBadRequest, errors.New("platform and platform_id are required"))
		return
	}

	sub, err := ctrl.svc.Track(ctx, req)
	if err != nil {
		ctrl.rejectErr(w, err)
		return
	}
	ctrl.resolve(w, http.StatusAccepted, sub)
}

func (ctrl *controller) untrack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriberID := chi.URLParam(r, "subscriber_id")

	err := ctrl.svc.Untrack(ctx, subscriberID, r.FormValue("provider"), r.FormValue("repo"))
	if err != nil {
		ctrl.rejectErr(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, map[string]any{"untracked": true})
}

func (ctrl *controller) setInterval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriberID := chi.URLParam(r, "subscriber_id")

	interval, err := strconv.Atoi(r.FormValue("interval_seconds"))
	if err != nil {
		ctrl.reject(w, http.StatusBadRequest, errors.New("interval_seconds must be an integer"))
		return
	}

	err = ctrl.svc.SetInterval(ctx, subscriberID, r.FormValue("provider"), r.FormValue("repo"), interval)
	if err != nil {
		ctrl.rejectErr(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, map[string]any{"interval_seconds": interval})
}

func (ctrl *controller) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriberID := chi.URLParam(r, "subscriber_id")

	subs, err := ctrl.svc.ListSubscriptions(ctx, subscriberID)
	if err != nil {
		ctrl.rejectErr(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, subs)
}

func (ctrl *controller) checkNow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriberID := chi.URLParam(r, "subscriber_id")

	checked, err := ctrl.svc.CheckNow(ctx, subscriberID)
	if err != nil {
		ctrl.rejectErr(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, map[string]any{"checked": checked})
}

func (ctrl *controller) checkRepo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	err := ctrl.svc.CheckRepo(ctx, r.FormValue("provider"), r.FormValue("repo"))
	if err != nil {
		ctrl.rejectErr(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, map[string]any{"checked": true})
}

func (ctrl *controller) listDeliveryFailures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriberID := chi.URLParam(r, "subscriber_id")

	failures, err := ctrl.svc.ListDeliveryFailures(ctx, subscriberID)
	if err != nil {
		ctrl.rejectErr(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, failures)
}
